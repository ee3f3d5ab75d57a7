package infra

import (
	"fmt"
	"net"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/ec2"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// Security group identities. The network stage is the sole creator of these;
// every other stage consumes them by exported id.
const (
	GroupInternalALB = "vllm-alb"
	GroupPublicALB   = "webui-alb"
	GroupCompute     = "vllm"
	GroupWeb         = "webui"
	GroupStorage     = "efs"
)

const (
	portHTTP      = 80
	portWeb       = 8080
	portInference = 8000
	portNFS       = 2049
)

const anyIPv4 = "0.0.0.0/0"

// GroupRef is an immutable handle to a security group identity within one
// network.
type GroupRef struct {
	Name    string
	Network string
}

// Source is the origin of an ingress edge: either another security group or
// a CIDR block, never both.
type Source struct {
	Group string
	Cidr  string
}

// Rule is a directed edge source -> owning group.
type Rule struct {
	Source      Source
	Port        int
	Protocol    string
	Description string
}

// PolicyGraph models the ingress permissions between security groups as a
// directed graph. Groups are default-deny inbound; every edge added here is
// an explicit allowance. The graph is pure data until applied.
type PolicyGraph struct {
	network string
	order   []string
	groups  map[string]GroupRef
	rules   map[string][]Rule
}

func NewPolicyGraph(network string) *PolicyGraph {
	return &PolicyGraph{
		network: network,
		groups:  map[string]GroupRef{},
		rules:   map[string][]Rule{},
	}
}

// AddGroup registers a security group identity in this network.
func (g *PolicyGraph) AddGroup(name string) GroupRef {
	if ref, ok := g.groups[name]; ok {
		return ref
	}
	ref := GroupRef{Name: name, Network: g.network}
	g.groups[name] = ref
	g.order = append(g.order, name)
	return ref
}

// Groups returns registered group names in registration order.
func (g *PolicyGraph) Groups() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// AllowGroup adds an identity-based edge src -> dst on the given TCP port.
// Self-referential edges are legal. Adding an edge that already exists with
// the same (source, port) is a no-op.
func (g *PolicyGraph) AllowGroup(src, dst GroupRef, port int, description string) error {
	if err := g.checkGroup(src); err != nil {
		return err
	}
	if err := g.checkGroup(dst); err != nil {
		return err
	}
	return g.add(dst, Rule{
		Source:      Source{Group: src.Name},
		Port:        port,
		Protocol:    "tcp",
		Description: description,
	})
}

// AllowCidr adds an address-based edge cidr -> dst on the given TCP port.
func (g *PolicyGraph) AllowCidr(cidr string, dst GroupRef, port int, description string) error {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return fmt.Errorf("invalid source cidr %q: %w", cidr, err)
	}
	if err := g.checkGroup(dst); err != nil {
		return err
	}
	return g.add(dst, Rule{
		Source:      Source{Cidr: cidr},
		Port:        port,
		Protocol:    "tcp",
		Description: description,
	})
}

// Resolve returns the ordered set of permitted (source, port) pairs for the
// target group. An empty result means all inbound traffic is denied.
func (g *PolicyGraph) Resolve(dst GroupRef) []Rule {
	rules := g.rules[dst.Name]
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

func (g *PolicyGraph) checkGroup(ref GroupRef) error {
	if ref.Network != g.network {
		return fmt.Errorf("security group %q belongs to network %q, not %q: cross-network references are invalid",
			ref.Name, ref.Network, g.network)
	}
	if _, ok := g.groups[ref.Name]; !ok {
		return fmt.Errorf("security group %q is not registered in network %q", ref.Name, g.network)
	}
	return nil
}

func (g *PolicyGraph) add(dst GroupRef, rule Rule) error {
	if port := rule.Port; port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d for ingress to %q", port, dst.Name)
	}
	for _, existing := range g.rules[dst.Name] {
		if existing.Source == rule.Source && existing.Port == rule.Port {
			return nil
		}
	}
	g.rules[dst.Name] = append(g.rules[dst.Name], rule)
	return nil
}

// perimeterPolicy encodes the fixed edge set of the topology. The public ALB
// is reachable from anywhere on 80 because the real gate there is the origin
// header check at the listener, not group membership.
func perimeterPolicy(vpcCidr string) (*PolicyGraph, error) {
	g := NewPolicyGraph("vpc")

	internalALB := g.AddGroup(GroupInternalALB)
	publicALB := g.AddGroup(GroupPublicALB)
	compute := g.AddGroup(GroupCompute)
	web := g.AddGroup(GroupWeb)
	storage := g.AddGroup(GroupStorage)

	if err := g.AllowCidr(anyIPv4, publicALB, portHTTP, "Allow public HTTP access"); err != nil {
		return nil, err
	}
	if err := g.AllowGroup(web, internalALB, portHTTP, "Allow access from WebUI service"); err != nil {
		return nil, err
	}
	if err := g.AllowGroup(internalALB, compute, portInference, "Allow access from vLLM ALB"); err != nil {
		return nil, err
	}
	if err := g.AllowGroup(publicALB, web, portHTTP, "Allow access from WebUI ALB"); err != nil {
		return nil, err
	}
	if err := g.AllowGroup(publicALB, web, portWeb, "Allow target group traffic from WebUI ALB"); err != nil {
		return nil, err
	}
	if err := g.AllowGroup(web, storage, portNFS, "Allow NFS access from WebUI service"); err != nil {
		return nil, err
	}
	// Operational fallback alongside the narrower service rule. Kept to
	// match the running system, see DESIGN.md.
	if err := g.AllowCidr(vpcCidr, storage, portNFS, "Allow NFS access from all resources in VPC"); err != nil {
		return nil, err
	}
	return g, nil
}

// applyPolicy materializes every edge of the graph as a discrete ingress
// rule resource on its owning security group.
func applyPolicy(ctx *pulumi.Context, g *PolicyGraph, sgIDs map[string]pulumi.IDOutput) error {
	for _, name := range g.Groups() {
		target, ok := sgIDs[name]
		if !ok {
			return fmt.Errorf("no security group created for policy node %q", name)
		}
		for _, rule := range g.Resolve(GroupRef{Name: name, Network: g.network}) {
			args := &ec2.SecurityGroupRuleArgs{
				Type:            pulumi.String("ingress"),
				SecurityGroupId: target,
				FromPort:        pulumi.Int(rule.Port),
				ToPort:          pulumi.Int(rule.Port),
				Protocol:        pulumi.String(rule.Protocol),
				Description:     pulumi.String(rule.Description),
			}
			slug := "cidr"
			if rule.Source.Group != "" {
				src, ok := sgIDs[rule.Source.Group]
				if !ok {
					return fmt.Errorf("no security group created for policy source %q", rule.Source.Group)
				}
				args.SourceSecurityGroupId = src
				slug = rule.Source.Group
			} else {
				args.CidrBlocks = pulumi.StringArray{pulumi.String(rule.Source.Cidr)}
			}
			ruleName := fmt.Sprintf("%s-from-%s-%d", name, slug, rule.Port)
			if _, err := ec2.NewSecurityGroupRule(ctx, ruleName, args); err != nil {
				return fmt.Errorf("Error creating ingress rule %s: %w", ruleName, err)
			}
		}
	}
	return nil
}
