package errors

// Code is a JSON-RPC 2.0 style error code recorded with failed commands.
type Code int

// Standard JSON-RPC codes.
const (
	CodeParse          Code = -32700
	CodeInvalidRequest Code = -32600
	CodeMethodNotFound Code = -32601
	CodeInvalidParams  Code = -32602
	CodeInternal       Code = -32603
)

// Application codes.
const (
	CodeHost       Code = -32000
	CodeHandler    Code = -32001
	CodeValidation Code = -32002
	CodeState      Code = -32003
)

// None is stored for commands that did not fail.
const None Code = 0

var codeNames = map[Code]string{
	CodeParse:          "parse_error",
	CodeInvalidRequest: "invalid_request",
	CodeMethodNotFound: "method_not_found",
	CodeInvalidParams:  "invalid_params",
	CodeInternal:       "internal_error",
	CodeHost:           "host_error",
	CodeHandler:        "handler_error",
	CodeValidation:     "validation_error",
	CodeState:          "state_error",
}

// String returns the symbolic name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	if c == None {
		return "none"
	}
	return "unknown"
}

// CodeOf maps an error chain onto its code. Unclassified errors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return None
	}

	var validationErr *ValidationError
	if As(err, &validationErr) {
		if validationErr.Unknown {
			return CodeMethodNotFound
		}
		if validationErr.Field != "" && validationErr.Field != "method" {
			return CodeInvalidParams
		}
		return CodeValidation
	}

	var handlerErr *HandlerError
	if As(err, &handlerErr) {
		return CodeHandler
	}

	var stalenessErr *StalenessError
	if As(err, &stalenessErr) {
		return CodeHost
	}

	var protocolErr *ProtocolError
	if As(err, &protocolErr) {
		if protocolErr.What == "state" {
			return CodeState
		}
		return CodeParse
	}

	return CodeInternal
}
