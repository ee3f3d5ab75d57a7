package infra

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/lb"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// healthCheck is the health-check policy of a target group. Re-declaring an
// identical value yields an identical resource input, so the engine diffs it
// to a no-op.
type healthCheck struct {
	Path     string
	Interval int
	Timeout  int
	Matcher  string
}

var (
	inferenceHealthCheck = healthCheck{Path: "/health", Interval: 60, Timeout: 15, Matcher: "200"}
	webHealthCheck       = healthCheck{Path: "/health", Interval: 30, Timeout: 5, Matcher: "200"}
)

// fixedResponse is a listener default action that terminates the request.
type fixedResponse struct {
	ContentType string
	MessageBody string
	StatusCode  string
}

// publicDefaultDeny is the catch-all on the public listener: a deterministic
// 403 so monitoring can tell "blocked by design" from "service down".
var publicDefaultDeny = fixedResponse{
	ContentType: "text/plain",
	MessageBody: "Forbidden",
	StatusCode:  "403",
}

func (fr fixedResponse) args() *lb.ListenerDefaultActionFixedResponseArgs {
	return &lb.ListenerDefaultActionFixedResponseArgs{
		ContentType: pulumi.String(fr.ContentType),
		MessageBody: pulumi.String(fr.MessageBody),
		StatusCode:  pulumi.String(fr.StatusCode),
	}
}

// listenerRule is a conditional action on the public listener. Rules are
// evaluated by ascending priority before the catch-all default action.
type listenerRule struct {
	Priority   int
	HeaderName string
}

// publicListenerRules returns the conditional rules guarding the public
// listener: exactly one header-match rule per protected origin.
func publicListenerRules(headerName string) []listenerRule {
	return []listenerRule{
		{Priority: 1, HeaderName: headerName},
	}
}

// validateRulePriorities rejects duplicate or out-of-range priorities before
// any resource mutation is attempted.
func validateRulePriorities(rules []listenerRule) error {
	seen := map[int]bool{}
	for _, r := range rules {
		if r.Priority < 1 || r.Priority > 50000 {
			return fmt.Errorf("listener rule priority %d out of range [1,50000]", r.Priority)
		}
		if seen[r.Priority] {
			return fmt.Errorf("duplicate listener rule priority %d", r.Priority)
		}
		seen[r.Priority] = true
	}
	return nil
}

func (hc healthCheck) args() *lb.TargetGroupHealthCheckArgs {
	return &lb.TargetGroupHealthCheckArgs{
		Path:     pulumi.String(hc.Path),
		Interval: pulumi.Int(hc.Interval),
		Timeout:  pulumi.Int(hc.Timeout),
		Matcher:  pulumi.String(hc.Matcher),
	}
}

// defineRouting provisions the two load-balancer triples and the edge
// distribution. The internal listener forwards unconditionally; the public
// listener denies by default and forwards only requests carrying the origin
// header with the secret value.
func defineRouting(cfg *Config, in StageInputs) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		network, err := in.From(stageNetwork)
		if err != nil {
			return err
		}
		vpcID, err := network.String(keyVpcID)
		if err != nil {
			return err
		}
		publicSubnets, err := network.StringSlice(keyPublicSubnetIDs)
		if err != nil {
			return err
		}
		privateSubnets, err := network.StringSlice(keyPrivateSubnetIDs)
		if err != nil {
			return err
		}
		internalAlbSg, err := network.String(sgKey(GroupInternalALB))
		if err != nil {
			return err
		}
		publicAlbSg, err := network.String(sgKey(GroupPublicALB))
		if err != nil {
			return err
		}

		rules := publicListenerRules(cfg.OriginHeaderName)
		if err := validateRulePriorities(rules); err != nil {
			return err
		}

		internalAlb, err := lb.NewLoadBalancer(ctx, "vllm-alb", &lb.LoadBalancerArgs{
			Internal:         pulumi.Bool(true),
			LoadBalancerType: pulumi.String("application"),
			SecurityGroups:   pulumi.StringArray{pulumi.String(internalAlbSg)},
			Subnets:          toStringArray(privateSubnets),
		})
		if err != nil {
			return fmt.Errorf("Error creating internal alb: %w", err)
		}

		inferenceTg, err := lb.NewTargetGroup(ctx, "vllm-tg", &lb.TargetGroupArgs{
			Port:        pulumi.Int(portInference),
			Protocol:    pulumi.String("HTTP"),
			TargetType:  pulumi.String("instance"),
			VpcId:       pulumi.String(vpcID),
			HealthCheck: inferenceHealthCheck.args(),
		})
		if err != nil {
			return fmt.Errorf("Error creating inference target group: %w", err)
		}

		// The internal tier carries no header gate: it is already inside
		// the private network boundary.
		_, err = lb.NewListener(ctx, "vllm-listener", &lb.ListenerArgs{
			LoadBalancerArn: internalAlb.Arn,
			Port:            pulumi.Int(portHTTP),
			Protocol:        pulumi.String("HTTP"),
			DefaultActions: lb.ListenerDefaultActionArray{
				&lb.ListenerDefaultActionArgs{
					Type:           pulumi.String("forward"),
					TargetGroupArn: inferenceTg.Arn,
				},
			},
		}, pulumi.Parent(internalAlb))
		if err != nil {
			return fmt.Errorf("Error creating internal listener: %w", err)
		}

		publicAlb, err := lb.NewLoadBalancer(ctx, "webui-alb", &lb.LoadBalancerArgs{
			Internal:         pulumi.Bool(false),
			LoadBalancerType: pulumi.String("application"),
			SecurityGroups:   pulumi.StringArray{pulumi.String(publicAlbSg)},
			Subnets:          toStringArray(publicSubnets),
		})
		if err != nil {
			return fmt.Errorf("Error creating public alb: %w", err)
		}

		webTg, err := lb.NewTargetGroup(ctx, "webui-tg", &lb.TargetGroupArgs{
			Port:        pulumi.Int(portWeb),
			Protocol:    pulumi.String("HTTP"),
			TargetType:  pulumi.String("ip"),
			VpcId:       pulumi.String(vpcID),
			HealthCheck: webHealthCheck.args(),
		})
		if err != nil {
			return fmt.Errorf("Error creating web target group: %w", err)
		}

		token, err := newOriginToken(ctx)
		if err != nil {
			return err
		}

		publicListener, err := lb.NewListener(ctx, "webui-listener", &lb.ListenerArgs{
			LoadBalancerArn: publicAlb.Arn,
			Port:            pulumi.Int(portHTTP),
			Protocol:        pulumi.String("HTTP"),
			DefaultActions: lb.ListenerDefaultActionArray{
				&lb.ListenerDefaultActionArgs{
					Type:          pulumi.String("fixed-response"),
					FixedResponse: publicDefaultDeny.args(),
				},
			},
		}, pulumi.Parent(publicAlb))
		if err != nil {
			return fmt.Errorf("Error creating public listener: %w", err)
		}

		for _, rule := range rules {
			_, err = lb.NewListenerRule(ctx, fmt.Sprintf("webui-origin-rule-%d", rule.Priority), &lb.ListenerRuleArgs{
				ListenerArn: publicListener.Arn,
				Priority:    pulumi.Int(rule.Priority),
				Actions: lb.ListenerRuleActionArray{
					&lb.ListenerRuleActionArgs{
						Type:           pulumi.String("forward"),
						TargetGroupArn: webTg.Arn,
					},
				},
				Conditions: lb.ListenerRuleConditionArray{
					&lb.ListenerRuleConditionArgs{
						HttpHeader: &lb.ListenerRuleConditionHttpHeaderArgs{
							HttpHeaderName: pulumi.String(rule.HeaderName),
							Values:         pulumi.StringArray{token.value},
						},
					},
				},
			}, pulumi.Parent(publicListener))
			if err != nil {
				return fmt.Errorf("Error creating origin auth rule: %w", err)
			}
		}

		edge, err := newEdgeDistribution(ctx, cfg, publicAlb.DnsName, token.value)
		if err != nil {
			return err
		}

		ctx.Export(keyInternalAlbDNS, internalAlb.DnsName)
		ctx.Export(keyPublicAlbDNS, publicAlb.DnsName)
		ctx.Export(keyInternalTgArn, inferenceTg.Arn)
		ctx.Export(keyWebTgArn, webTg.Arn)
		ctx.Export(keyOriginSecretArn, token.secretArn)
		ctx.Export(keyEdgeDomain, edge.DomainName)
		ctx.Export(keyWebEndpoint, pulumi.Sprintf("http://%s", publicAlb.DnsName))
		ctx.Export(keyEdgeEndpoint, pulumi.Sprintf("https://%s", edge.DomainName))
		return nil
	}
}

func toStringArray(ss []string) pulumi.StringArray {
	out := make(pulumi.StringArray, 0, len(ss))
	for _, s := range ss {
		out = append(out, pulumi.String(s))
	}
	return out
}
