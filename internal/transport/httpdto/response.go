package httpdto

// Response is the envelope of every control API reply: {success, data,
// error, code}.
type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func NewSuccessResponse[T any](data T) Response[T] {
	return Response[T]{
		Success: true,
		Data:    data,
	}
}

func NewErrorResponse(err string, code string) Response[any] {
	return Response[any]{
		Success: false,
		Error:   err,
		Code:    code,
	}
}

// NewFailureResponse reports an error that still carries a payload, such as
// the health status of a coordinator that is not ready.
func NewFailureResponse[T any](data T, err string, code string) Response[T] {
	return Response[T]{
		Data:  data,
		Error: err,
		Code:  code,
	}
}
