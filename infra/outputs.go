package infra

import (
	"fmt"

	"github.com/pulumi/pulumi/sdk/v3/go/auto"
)

// Export keys. These are the only channel through which a later stage may
// reference an earlier one.
const (
	keyVpcID            = "vpcId"
	keyPublicSubnetIDs  = "publicSubnetIds"
	keyPrivateSubnetIDs = "privateSubnetIds"

	keyInternalAlbDNS  = "vllmAlbDnsName"
	keyPublicAlbDNS    = "webuiAlbDnsName"
	keyInternalTgArn   = "vllmTargetGroupArn"
	keyWebTgArn        = "webuiTargetGroupArn"
	keyEdgeDomain      = "edgeDomainName"
	keyOriginSecretArn = "originSecretArn"

	keyPoolName     = "computePoolName"
	keyFileSystemID = "fileSystemId"
	keyServiceName  = "webuiServiceName"
	keyWebEndpoint  = "webuiEndpoint"
	keyEdgeEndpoint = "edgeEndpoint"
)

func sgKey(group string) string { return "sg-" + group }

// Outputs is the resolved export map of one applied stage.
type Outputs map[string]interface{}

func (o Outputs) String(key string) (string, error) {
	v, ok := o[key]
	if !ok {
		return "", fmt.Errorf("output %q not found", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("output %q is %T, not a string", key, v)
	}
	return s, nil
}

func (o Outputs) StringSlice(key string) ([]string, error) {
	v, ok := o[key]
	if !ok {
		return nil, fmt.Errorf("output %q not found", key)
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("output %q is %T, not a list", key, v)
	}
	out := make([]string, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("output %q[%d] is %T, not a string", key, i, item)
		}
		out = append(out, s)
	}
	return out, nil
}

// StageInputs carries the outputs of a stage's declared dependencies, and
// nothing else. Asking for an undeclared stage is a configuration error,
// which is how backward or sideways references are caught.
type StageInputs map[string]Outputs

func (in StageInputs) From(stage string) (Outputs, error) {
	o, ok := in[stage]
	if !ok {
		return nil, fmt.Errorf("stage %q is not a declared dependency", stage)
	}
	return o, nil
}

func toOutputs(m auto.OutputMap) Outputs {
	o := make(Outputs, len(m))
	for k, v := range m {
		o[k] = v.Value
	}
	return o
}
