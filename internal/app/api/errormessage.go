package api

type ErrorMessage struct {
	Error []string `json:"error"`
}

func NewSingleMessageError(err string) ErrorMessage {
	return ErrorMessage{Error: []string{err}}
}

func NewErrorMessage(errs ...string) ErrorMessage {
	return ErrorMessage{Error: errs}
}
