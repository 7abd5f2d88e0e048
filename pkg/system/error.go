package system

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func BadRequestErr(message string) *Error {
	return &Error{
		Code:    44400,
		Message: message,
	}
}

func NotFoundErr() *Error {
	return &Error{
		Code:    44404,
		Message: "Not Found",
	}
}

func InternalServerErr() *Error {
	return &Error{
		Code:    55000,
		Message: "Internal server error",
	}
}
