package infra

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudwatch"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ecs"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/efs"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

const (
	containerName = "webui"
	dataDir       = "/app/backend/data"
	storagePath   = "/openwebui-data"
	volumeName    = "webui-data"
)

// webContainerEnv is the runtime environment contract for the front-end
// container. The inference API is reached through the internal routing
// tier, never directly.
func webContainerEnv(internalAlbDNS string) []map[string]string {
	return []map[string]string{
		{"name": "ENABLE_OLLAMA_API", "value": "false"},
		{"name": "OPENAI_API_BASE_URL", "value": fmt.Sprintf("http://%s/v1", internalAlbDNS)},
		{"name": "DATA_DIR", "value": dataDir},
		{"name": "DATABASE_URL", "value": fmt.Sprintf("sqlite:///%s/database.db", dataDir)},
	}
}

// defineService provisions the front-end container service and its shared
// storage. Replicas are replaced without dropping below the configured
// healthy percentage, and data survives replica replacement because storage
// is external to the task lifecycle.
func defineService(cfg *Config, in StageInputs) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		network, err := in.From(stageNetwork)
		if err != nil {
			return err
		}
		routing, err := in.From(stageRouting)
		if err != nil {
			return err
		}
		privateSubnets, err := network.StringSlice(keyPrivateSubnetIDs)
		if err != nil {
			return err
		}
		webSg, err := network.String(sgKey(GroupWeb))
		if err != nil {
			return err
		}
		storageSg, err := network.String(sgKey(GroupStorage))
		if err != nil {
			return err
		}
		webTgArn, err := routing.String(keyWebTgArn)
		if err != nil {
			return err
		}
		internalAlbDNS, err := routing.String(keyInternalAlbDNS)
		if err != nil {
			return err
		}

		region, err := aws.GetRegion(ctx, nil)
		if err != nil {
			return fmt.Errorf("Error looking up region: %w", err)
		}

		cluster, err := ecs.NewCluster(ctx, "webui-cluster", &ecs.ClusterArgs{
			Settings: ecs.ClusterSettingArray{
				ecs.ClusterSettingArgs{
					Name:  pulumi.String("containerInsights"),
					Value: pulumi.String("enabled"),
				},
			},
		})
		if err != nil {
			return fmt.Errorf("Error creating cluster: %w", err)
		}

		fileSystem, err := efs.NewFileSystem(ctx, "webui-fs", &efs.FileSystemArgs{
			Encrypted:       pulumi.Bool(true),
			PerformanceMode: pulumi.String("generalPurpose"),
			ThroughputMode:  pulumi.String("bursting"),
		})
		if err != nil {
			return fmt.Errorf("Error creating file system: %w", err)
		}

		mountTargets := make([]pulumi.Resource, 0, len(privateSubnets))
		for i, subnet := range privateSubnets {
			mt, err := efs.NewMountTarget(ctx, fmt.Sprintf("webui-fs-mount-%d", i), &efs.MountTargetArgs{
				FileSystemId:   fileSystem.ID(),
				SubnetId:       pulumi.String(subnet),
				SecurityGroups: pulumi.StringArray{pulumi.String(storageSg)},
			}, pulumi.Parent(fileSystem))
			if err != nil {
				return fmt.Errorf("Error creating mount target: %w", err)
			}
			mountTargets = append(mountTargets, mt)
		}

		// The access point enforces a POSIX ownership mask independent of
		// the IAM grant below; both must agree for I/O to succeed.
		accessPoint, err := efs.NewAccessPoint(ctx, "webui-access-point", &efs.AccessPointArgs{
			FileSystemId: fileSystem.ID(),
			PosixUser: &efs.AccessPointPosixUserArgs{
				Uid: pulumi.Int(0),
				Gid: pulumi.Int(0),
			},
			RootDirectory: &efs.AccessPointRootDirectoryArgs{
				Path: pulumi.String(storagePath),
				CreationInfo: &efs.AccessPointRootDirectoryCreationInfoArgs{
					OwnerUid:    pulumi.Int(0),
					OwnerGid:    pulumi.Int(0),
					Permissions: pulumi.String("755"),
				},
			},
		}, pulumi.Parent(fileSystem))
		if err != nil {
			return fmt.Errorf("Error creating access point: %w", err)
		}

		logGroup, err := cloudwatch.NewLogGroup(ctx, "webui-log-group", &cloudwatch.LogGroupArgs{
			RetentionInDays: pulumi.IntPtr(7),
		})
		if err != nil {
			return fmt.Errorf("Error creating log group: %w", err)
		}

		assumeRolePolicy, err := iam.GetPolicyDocument(ctx, &iam.GetPolicyDocumentArgs{
			Statements: []iam.GetPolicyDocumentStatement{
				{
					Actions: []string{"sts:AssumeRole"},
					Principals: []iam.GetPolicyDocumentStatementPrincipal{
						{Type: "Service", Identifiers: []string{"ecs-tasks.amazonaws.com"}},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("Error creating assumeRolePolicy: %w", err)
		}
		executionRole, err := iam.NewRole(ctx, "webui-execution-role", &iam.RoleArgs{
			AssumeRolePolicy:  pulumi.String(assumeRolePolicy.Json),
			ManagedPolicyArns: pulumi.ToStringArray([]string{string(iam.ManagedPolicyAmazonECSTaskExecutionRolePolicy)}),
		})
		if err != nil {
			return fmt.Errorf("Error creating execution role: %w", err)
		}

		taskRole, err := iam.NewRole(ctx, "webui-task-role", &iam.RoleArgs{
			AssumeRolePolicy: pulumi.String(assumeRolePolicy.Json),
		})
		if err != nil {
			return fmt.Errorf("Error creating task role: %w", err)
		}

		// Exactly the storage permissions the access point needs, scoped to
		// access through a mount target only.
		storagePolicy := iam.GetPolicyDocumentOutput(ctx, iam.GetPolicyDocumentOutputArgs{
			Statements: iam.GetPolicyDocumentStatementArray{
				iam.GetPolicyDocumentStatementArgs{
					Actions: pulumi.ToStringArray([]string{
						"elasticfilesystem:ClientMount",
						"elasticfilesystem:ClientWrite",
						"elasticfilesystem:ClientRootAccess",
						"elasticfilesystem:DescribeMountTargets",
					}),
					Resources: pulumi.StringArray{fileSystem.Arn},
					Conditions: iam.GetPolicyDocumentStatementConditionArray{
						iam.GetPolicyDocumentStatementConditionArgs{
							Test:     pulumi.String("Bool"),
							Variable: pulumi.String("elasticfilesystem:AccessedViaMountTarget"),
							Values:   pulumi.ToStringArray([]string{"true"}),
						},
					},
				},
			},
		})
		_, err = iam.NewRolePolicy(ctx, "webui-storage-access", &iam.RolePolicyArgs{
			Role:   taskRole.ID(),
			Policy: storagePolicy.Json(),
		})
		if err != nil {
			return fmt.Errorf("Error creating storage access policy: %w", err)
		}

		containerDef := pulumi.JSONMarshal([]interface{}{
			map[string]interface{}{
				"name":  containerName,
				"image": cfg.WebImage,
				"portMappings": []map[string]interface{}{
					{
						"containerPort": portWeb,
					},
				},
				"environment": webContainerEnv(internalAlbDNS),
				"mountPoints": []map[string]interface{}{
					{
						"sourceVolume":  volumeName,
						"containerPath": dataDir,
						"readOnly":      false,
					},
				},
				"logConfiguration": map[string]interface{}{
					"logDriver": "awslogs",
					"options": map[string]interface{}{
						"awslogs-group":         logGroup.Name,
						"awslogs-region":        region.Name,
						"awslogs-stream-prefix": containerName,
					},
				},
			},
		})

		taskdef, err := ecs.NewTaskDefinition(ctx, "webui-taskdef", &ecs.TaskDefinitionArgs{
			ContainerDefinitions:    containerDef,
			Family:                  pulumi.String("webui"),
			Cpu:                     pulumi.String("2048"),
			Memory:                  pulumi.String("4096"),
			ExecutionRoleArn:        executionRole.Arn,
			TaskRoleArn:             taskRole.Arn,
			RequiresCompatibilities: pulumi.ToStringArray([]string{"FARGATE"}),
			NetworkMode:             pulumi.String("awsvpc"),
			RuntimePlatform: ecs.TaskDefinitionRuntimePlatformArgs{
				CpuArchitecture:       pulumi.String("ARM64"),
				OperatingSystemFamily: pulumi.String("LINUX"),
			},
			Volumes: ecs.TaskDefinitionVolumeArray{
				&ecs.TaskDefinitionVolumeArgs{
					Name: pulumi.String(volumeName),
					EfsVolumeConfiguration: &ecs.TaskDefinitionVolumeEfsVolumeConfigurationArgs{
						FileSystemId:      fileSystem.ID(),
						TransitEncryption: pulumi.String("ENABLED"),
						RootDirectory:     pulumi.String("/"),
						AuthorizationConfig: &ecs.TaskDefinitionVolumeEfsVolumeConfigurationAuthorizationConfigArgs{
							AccessPointId: accessPoint.ID(),
							Iam:           pulumi.String("ENABLED"),
						},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("Error creating taskdef: %w", err)
		}

		service, err := ecs.NewService(ctx, "webui-service", &ecs.ServiceArgs{
			Cluster:                         cluster.Arn,
			TaskDefinition:                  taskdef.Arn,
			DesiredCount:                    pulumi.IntPtr(cfg.DesiredCount),
			DeploymentMinimumHealthyPercent: pulumi.IntPtr(cfg.MinHealthyPercent),
			DeploymentMaximumPercent:        pulumi.IntPtr(cfg.MaxPercent),
			DeploymentCircuitBreaker: ecs.ServiceDeploymentCircuitBreakerArgs{
				Enable:   pulumi.Bool(true),
				Rollback: pulumi.Bool(true),
			},
			LaunchType:      pulumi.String("FARGATE"),
			PlatformVersion: pulumi.String("1.4.0"),
			NetworkConfiguration: ecs.ServiceNetworkConfigurationArgs{
				AssignPublicIp: pulumi.BoolPtr(false),
				SecurityGroups: pulumi.StringArray{pulumi.String(webSg)},
				Subnets:        toStringArray(privateSubnets),
			},
			LoadBalancers: ecs.ServiceLoadBalancerArray{
				&ecs.ServiceLoadBalancerArgs{
					TargetGroupArn: pulumi.String(webTgArn),
					ContainerName:  pulumi.String(containerName),
					ContainerPort:  pulumi.Int(portWeb),
				},
			},
		}, pulumi.DependsOn(mountTargets))
		if err != nil {
			return fmt.Errorf("Error creating service: %w", err)
		}

		ctx.Export(keyFileSystemID, fileSystem.ID())
		ctx.Export(keyServiceName, service.Name)
		return nil
	}
}
