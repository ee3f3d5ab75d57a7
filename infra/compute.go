package infra

import (
	"encoding/base64"
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/autoscaling"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// bootScript brings the inference engine to a state where the target group
// health check succeeds. The HuggingFace token is fetched from Secrets
// Manager at boot, never baked into declarative state.
func bootScript(model, secretName, region string) string {
	return fmt.Sprintf(`#!/bin/bash
export PATH=/opt/conda/bin:$PATH

python -m pip install --upgrade pip
pip install vllm

HF_TOKEN=$(aws secretsmanager get-secret-value --secret-id %[2]s --query SecretString --output text --region %[3]s)
huggingface-cli login --token $HF_TOKEN

cat << EOF > /etc/systemd/system/vllm.service
[Unit]
Description=vLLM Service
After=network.target

[Service]
Environment=HF_TOKEN=$HF_TOKEN
ExecStart=vllm serve %[1]s --port %[4]d --host 0.0.0.0 --gpu-memory-utilization 0.9
Restart=always
User=ubuntu
WorkingDirectory=/home/ubuntu

[Install]
WantedBy=multi-user.target
EOF

systemctl daemon-reload
systemctl enable vllm
systemctl start vllm

# Model load takes a while; wait until the engine answers before the
# instance is considered ready.
(
  while ! curl -s http://localhost:%[4]d/v1/models > /dev/null; do
    sleep 30
  done
) &
`, model, secretName, region, portInference)
}

// defineCompute provisions the autoscaled GPU pool serving the inference
// engine. The pool attaches to the inference target group at creation; the
// attachment is permanent for the pool's lifetime.
func defineCompute(cfg *Config, in StageInputs) pulumi.RunFunc {
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
		computeSg, err := network.String(sgKey(GroupCompute))
		if err != nil {
			return err
		}
		inferenceTgArn, err := routing.String(keyInternalTgArn)
		if err != nil {
			return err
		}

		region, err := aws.GetRegion(ctx, nil)
		if err != nil {
			return fmt.Errorf("Error looking up region: %w", err)
		}
		caller, err := aws.GetCallerIdentity(ctx, nil)
		if err != nil {
			return fmt.Errorf("Error looking up caller identity: %w", err)
		}

		assumeRolePolicy, err := iam.GetPolicyDocument(ctx, &iam.GetPolicyDocumentArgs{
			Statements: []iam.GetPolicyDocumentStatement{
				{
					Actions: []string{"sts:AssumeRole"},
					Principals: []iam.GetPolicyDocumentStatementPrincipal{
						{Type: "Service", Identifiers: []string{"ec2.amazonaws.com"}},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("Error creating assumeRolePolicy: %w", err)
		}
		role, err := iam.NewRole(ctx, "vllm-instance-role", &iam.RoleArgs{
			AssumeRolePolicy: pulumi.String(assumeRolePolicy.Json),
			ManagedPolicyArns: pulumi.ToStringArray([]string{
				string(iam.ManagedPolicyAmazonSSMManagedInstanceCore),
			}),
		})
		if err != nil {
			return fmt.Errorf("Error creating instance role: %w", err)
		}

		tokenReadPolicy, err := iam.GetPolicyDocument(ctx, &iam.GetPolicyDocumentArgs{
			Statements: []iam.GetPolicyDocumentStatement{
				{
					Actions: []string{"secretsmanager:GetSecretValue"},
					Resources: []string{
						fmt.Sprintf("arn:aws:secretsmanager:%s:%s:secret:%s*",
							region.Name, caller.AccountId, cfg.HFTokenSecretName),
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("Error creating tokenReadPolicy: %w", err)
		}
		_, err = iam.NewRolePolicy(ctx, "hf-token-read", &iam.RolePolicyArgs{
			Role:   role.ID(),
			Policy: pulumi.String(tokenReadPolicy.Json),
		})
		if err != nil {
			return fmt.Errorf("Error creating token read policy: %w", err)
		}

		profile, err := iam.NewInstanceProfile(ctx, "vllm-instance-profile", &iam.InstanceProfileArgs{
			Role: role.Name,
		})
		if err != nil {
			return fmt.Errorf("Error creating instance profile: %w", err)
		}

		userData := base64.StdEncoding.EncodeToString(
			[]byte(bootScript(cfg.Model, cfg.HFTokenSecretName, region.Name)))

		template, err := ec2.NewLaunchTemplate(ctx, "vllm-launch-template", &ec2.LaunchTemplateArgs{
			ImageId:      pulumi.String(cfg.AmiID),
			InstanceType: pulumi.String(cfg.InstanceType),
			IamInstanceProfile: &ec2.LaunchTemplateIamInstanceProfileArgs{
				Arn: profile.Arn,
			},
			VpcSecurityGroupIds: pulumi.StringArray{pulumi.String(computeSg)},
			UserData:            pulumi.String(userData),
			BlockDeviceMappings: ec2.LaunchTemplateBlockDeviceMappingArray{
				&ec2.LaunchTemplateBlockDeviceMappingArgs{
					DeviceName: pulumi.String("/dev/sda1"),
					Ebs: &ec2.LaunchTemplateBlockDeviceMappingEbsArgs{
						VolumeSize:          pulumi.Int(cfg.RootVolumeGiB),
						VolumeType:          pulumi.String("gp3"),
						DeleteOnTermination: pulumi.String("true"),
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("Error creating launch template: %w", err)
		}

		pool, err := autoscaling.NewGroup(ctx, "vllm-asg", &autoscaling.GroupArgs{
			MinSize:            pulumi.Int(cfg.MinSize),
			MaxSize:            pulumi.Int(cfg.MaxSize),
			DesiredCapacity:    pulumi.Int(cfg.DesiredSize),
			VpcZoneIdentifiers: toStringArray(privateSubnets),
			LaunchTemplate: &autoscaling.GroupLaunchTemplateArgs{
				Id:      template.ID(),
				Version: pulumi.String("$Latest"),
			},
			// Attachment at creation; membership in the target group is
			// automatic for every instance the policy brings up.
			TargetGroupArns: pulumi.StringArray{pulumi.String(inferenceTgArn)},
			HealthCheckType: pulumi.String("ELB"),
			// Time to healthy is bounded but not zero: the model has to
			// download and load before /health answers.
			HealthCheckGracePeriod: pulumi.Int(900),
		})
		if err != nil {
			return fmt.Errorf("Error creating autoscaling group: %w", err)
		}

		ctx.Export(keyPoolName, pool.Name)
		return nil
	}
}
