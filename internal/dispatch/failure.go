package dispatch

import (
	"errors"

	"kiln/internal/protocol"
)

// KindClassifier is implemented by errors that know which failure kind they
// should be reported as.
type KindClassifier interface {
	ErrorKind() string
}

// FailureKind classifies err for a failure reply. Errors without a
// classification are internal.
func FailureKind(err error) protocol.FailureKind {
	var classifier KindClassifier
	if errors.As(err, &classifier) {
		switch protocol.FailureKind(classifier.ErrorKind()) {
		case protocol.FailureProtocol:
			return protocol.FailureProtocol
		case protocol.FailureBuild:
			return protocol.FailureBuild
		}
	}
	return protocol.FailureInternal
}

type protocolError struct {
	msg string
}

func (e protocolError) Error() string     { return e.msg }
func (e protocolError) ErrorKind() string { return string(protocol.FailureProtocol) }
