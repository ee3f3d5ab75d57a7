package infra

import (
	"fmt"

	ec2_classic "github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi-awsx/sdk/v2/go/awsx/ec2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

var groupDescriptions = map[string]string{
	GroupInternalALB: "Security group for vLLM ALB",
	GroupPublicALB:   "Security group for WebUI ALB",
	GroupCompute:     "Security group for vLLM instances",
	GroupWeb:         "Security group for WebUI service",
	GroupStorage:     "Security group for EFS",
}

// defineNetwork provisions the address space, the subnet tiers and the
// security group identities, then applies the perimeter policy graph. All
// handles later stages need are exported; nothing else may be referenced.
func defineNetwork(cfg *Config) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		graph, err := perimeterPolicy(cfg.VpcCidr)
		if err != nil {
			return err
		}

		mask := 24
		as := ec2.SubnetAllocationStrategyAuto
		vpc, err := ec2.NewVpc(ctx, "vpc", &ec2.VpcArgs{
			CidrBlock:                 &cfg.VpcCidr,
			NumberOfAvailabilityZones: &cfg.AvailabilityZones,
			NatGateways:               &ec2.NatGatewayConfigurationArgs{Strategy: ec2.NatGatewayStrategySingle},
			SubnetStrategy:            &as,
			SubnetSpecs: []ec2.SubnetSpecArgs{
				{Type: ec2.SubnetTypePublic, CidrMask: &mask},
				{Type: ec2.SubnetTypePrivate, CidrMask: &mask},
			},
		})
		if err != nil {
			return fmt.Errorf("Error creating vpc: %w", err)
		}

		sgIDs := map[string]pulumi.IDOutput{}
		for _, name := range graph.Groups() {
			sg, err := ec2_classic.NewSecurityGroup(ctx, name+"-sg", &ec2_classic.SecurityGroupArgs{
				VpcId:               vpc.VpcId,
				Description:         pulumi.String(groupDescriptions[name]),
				Egress:              egressAll(),
				RevokeRulesOnDelete: pulumi.BoolPtr(true),
			})
			if err != nil {
				return fmt.Errorf("Error creating security group %s: %w", name, err)
			}
			sgIDs[name] = sg.ID()
		}

		if err := applyPolicy(ctx, graph, sgIDs); err != nil {
			return err
		}

		ctx.Export(keyVpcID, vpc.VpcId)
		ctx.Export(keyPublicSubnetIDs, vpc.PublicSubnetIds)
		ctx.Export(keyPrivateSubnetIDs, vpc.PrivateSubnetIds)
		for name, id := range sgIDs {
			ctx.Export(sgKey(name), id)
		}
		return nil
	}
}

func egressAll() ec2_classic.SecurityGroupEgressArray {
	return ec2_classic.SecurityGroupEgressArray{
		ec2_classic.SecurityGroupEgressArgs{
			CidrBlocks:  pulumi.ToStringArray([]string{anyIPv4}),
			Description: pulumi.String("Egress all"),
			Protocol:    pulumi.String("-1"),
			FromPort:    pulumi.Int(0),
			ToPort:      pulumi.Int(0),
		},
	}
}
