package delivery

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

type Response struct {
	Status Status `json:"status"`
	Code   string `json:"code,omitempty"`
	Value  string `json:"value,omitempty"`
	VLSN   uint64 `json:"vlsn,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newValueResponse(value string, seq uint64) Response {
	return Response{Status: StatusSuccess, Value: value, VLSN: seq}
}

func newCommitResponse(seq uint64) Response {
	return Response{Status: StatusSuccess, VLSN: seq}
}

func newErrorResponse(code string, err error) Response {
	return Response{Status: StatusError, Code: code, Error: err.Error()}
}
