package infra

import (
	"fmt"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/cloudfront"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// AWS managed cache/origin-request policies. Caching stays disabled so the
// header check at the listener remains live on every request, and AllViewer
// forwards all viewer data to the origin. The injected custom header
// unconditionally overrides any client-supplied header of the same name.
const (
	cachePolicyCachingDisabled   = "4135ea2d-6df8-44a3-9df3-4b5a84be39ad"
	originRequestPolicyAllViewer = "216adef6-5c7f-47e4-b989-5492eafa07d3"
)

func newEdgeDistribution(ctx *pulumi.Context, cfg *Config, originDNS pulumi.StringOutput, headerValue pulumi.StringOutput) (*cloudfront.Distribution, error) {
	const originID = "webui-alb"

	dist, err := cloudfront.NewDistribution(ctx, "webui-edge", &cloudfront.DistributionArgs{
		Enabled:       pulumi.Bool(true),
		IsIpv6Enabled: pulumi.Bool(true),
		Comment:       pulumi.String("Edge front door for the WebUI ALB"),
		Origins: cloudfront.DistributionOriginArray{
			&cloudfront.DistributionOriginArgs{
				DomainName: originDNS,
				OriginId:   pulumi.String(originID),
				CustomOriginConfig: &cloudfront.DistributionOriginCustomOriginConfigArgs{
					HttpPort:             pulumi.Int(portHTTP),
					HttpsPort:            pulumi.Int(443),
					OriginProtocolPolicy: pulumi.String("http-only"),
					OriginSslProtocols:   pulumi.StringArray{pulumi.String("TLSv1.2")},
				},
				CustomHeaders: cloudfront.DistributionOriginCustomHeaderArray{
					&cloudfront.DistributionOriginCustomHeaderArgs{
						Name:  pulumi.String(cfg.OriginHeaderName),
						Value: headerValue,
					},
				},
			},
		},
		DefaultCacheBehavior: &cloudfront.DistributionDefaultCacheBehaviorArgs{
			TargetOriginId:       pulumi.String(originID),
			ViewerProtocolPolicy: pulumi.String("redirect-to-https"),
			AllowedMethods: pulumi.ToStringArray([]string{
				"GET", "HEAD", "OPTIONS", "PUT", "POST", "PATCH", "DELETE",
			}),
			CachedMethods:         pulumi.ToStringArray([]string{"GET", "HEAD"}),
			CachePolicyId:         pulumi.String(cachePolicyCachingDisabled),
			OriginRequestPolicyId: pulumi.String(originRequestPolicyAllViewer),
		},
		Restrictions: &cloudfront.DistributionRestrictionsArgs{
			GeoRestriction: &cloudfront.DistributionRestrictionsGeoRestrictionArgs{
				RestrictionType: pulumi.String("none"),
			},
		},
		ViewerCertificate: &cloudfront.DistributionViewerCertificateArgs{
			CloudfrontDefaultCertificate: pulumi.Bool(true),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Error creating edge distribution: %w", err)
	}
	return dist, nil
}
