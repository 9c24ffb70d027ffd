package policy

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/toolgate/internal/model"
	"github.com/haasonsaas/toolgate/internal/registry"
)

// reservedChars are rejected in every arg value per spec.md §4.C: glob
// metacharacters (so an attacker cannot inject a policy wildcard match),
// plus parens/commas which are reserved for signature syntax.
const reservedChars = "*?[](),"

// ValidateArgs runs the pre-policy input validation spec.md §4.C mandates:
// missing required args, reserved/control characters in any value, and the
// tool's own compiled validators (per-arg regex, plus an optional whole-args
// JSON Schema). An unknown tool is classified METHOD_NOT_FOUND; every other
// failure is INVALID_REQUEST. All of it must be checked before Evaluate is
// ever called — this function never consults a Policy.
func ValidateArgs(reg *registry.Registry, toolName string, args map[string]any) *model.GatewayError {
	def, _, ok := reg.Lookup(toolName)
	if !ok {
		return model.NewGatewayError(model.ErrorMethodNotFound, fmt.Sprintf("unknown tool %q", toolName))
	}

	for name, spec := range def.Args {
		if spec.Required {
			if _, present := args[name]; !present {
				return model.NewGatewayError(model.ErrorInvalidRequest, fmt.Sprintf("missing required arg %q", name))
			}
		}
	}

	for name, value := range args {
		str := fmt.Sprintf("%v", value)
		if err := checkReserved(name, str); err != nil {
			return err
		}
		if re, ok := reg.Validator(toolName, name); ok {
			if !re.MatchString(str) {
				return model.NewGatewayError(model.ErrorInvalidRequest, fmt.Sprintf("arg %q failed validation", name))
			}
		}
	}

	if err := reg.ValidateParamsSchema(toolName, args); err != nil {
		return model.NewGatewayError(model.ErrorInvalidRequest, fmt.Sprintf("args failed schema validation: %v", err))
	}

	return nil
}

func checkReserved(argName, value string) *model.GatewayError {
	if strings.ContainsAny(value, reservedChars) {
		return model.NewGatewayError(model.ErrorInvalidRequest, fmt.Sprintf("arg %q contains a reserved character", argName))
	}
	for _, r := range value {
		if r < 0x20 {
			return model.NewGatewayError(model.ErrorInvalidRequest, fmt.Sprintf("arg %q contains a control character", argName))
		}
	}
	return nil
}
