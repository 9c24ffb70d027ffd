package gateway

import "github.com/haasonsaas/toolgate/internal/model"

func parseErr(err error) *model.GatewayError {
	return model.NewGatewayError(model.ErrorParse, err.Error())
}

func invalidRequestErr(msg string) *model.GatewayError {
	return model.NewGatewayError(model.ErrorInvalidRequest, msg)
}

func methodNotFoundErr(method string) *model.GatewayError {
	return model.NewGatewayError(model.ErrorMethodNotFound, "unknown method "+method)
}

func notAuthedErr(msg string) *model.GatewayError {
	return model.NewGatewayError(model.ErrorNotAuthenticated, msg)
}

func internalErr(err error) *model.GatewayError {
	return model.NewGatewayError(model.ErrorInternal, err.Error())
}
