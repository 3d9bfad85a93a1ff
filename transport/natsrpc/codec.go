package natsrpc

import (
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/chhtz/tools-orocosrb/errors"
	"github.com/chhtz/tools-orocosrb/task"
)

// SubjectPrefix is the root of every task subject
const SubjectPrefix = "orocos.task"

// Operation names used as the last subject token
const (
	opPing           = "ping"
	opState          = "state"
	opConfigure      = "configure"
	opStart          = "start"
	opStop           = "stop"
	opCleanup        = "cleanup"
	opResetException = "reset"
	opInvoke         = "invoke"
	opProperty       = "property"
	opSetProperty    = "set_property"
	opProperties     = "properties"
	opPorts          = "ports"
	opRead           = "read"
	opWrite          = "write"
	opConnect        = "connect"
	opDisconnect     = "disconnect"
	opDeliver        = "deliver"
)

// Kinds of errors carried in a reply
const (
	kindNotFound = "not_found"
	kindRejected = "rejected"
	kindCom      = "com"
	kindInvalid  = "invalid"
)

var subjectEscaper = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "/", "_")

// Token returns the subject token used for a task name. Characters that
// NATS reserves in subjects are replaced.
func Token(name string) string {
	if name == "" {
		return "_"
	}
	return subjectEscaper.Replace(name)
}

// Subject returns the subject of operation op on task name
func Subject(name, op string) string {
	return SubjectPrefix + "." + Token(name) + "." + op
}

// splitSubject returns the task token and the operation of a task subject
func splitSubject(subject string) (token, op string, ok bool) {
	rest, found := strings.CutPrefix(subject, SubjectPrefix+".")
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

type request struct {
	Name       string                  `json:"name,omitempty"`
	Port       string                  `json:"port,omitempty"`
	ID         string                  `json:"id,omitempty"`
	Value      json.RawMessage         `json:"value,omitempty"`
	Args       []json.RawMessage       `json:"args,omitempty"`
	Connection *task.ConnectionRequest `json:"connection,omitempty"`
}

type reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *remoteError    `json:"error,omitempty"`
}

type remoteError struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Sentinel string `json:"sentinel,omitempty"`
	Task     string `json:"task,omitempty"`
	Name     string `json:"name,omitempty"`
}

// sentinels survive the trip through a reply, most specific first
var sentinels = []struct {
	key string
	err error
}{
	{"typekit_not_found", errors.ErrTypekitNotFound},
	{"not_found", errors.ErrNotFound},
	{"ambiguous_name", errors.ErrAmbiguousName},
	{"already_initialized", errors.ErrAlreadyInitialized},
	{"already_connected", errors.ErrAlreadyConnected},
	{"thread", errors.ErrThread},
	{"policy", errors.ErrPolicy},
	{"type_mismatch", errors.ErrTypeMismatch},
	{"property_change_rejected", errors.ErrPropertyChangeRejected},
	{"connection_failed", errors.ErrConnectionFailed},
}

// remoteFailure is an error reported by the serving side
type remoteFailure struct {
	msg      string
	sentinel error
}

func (e *remoteFailure) Error() string { return e.msg }

func (e *remoteFailure) Unwrap() error { return e.sentinel }

// encode marshals v through a pooled buffer. The returned slice is owned by
// the caller.
func encode(v any) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}

func encodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// toRemote flattens an error returned by a hosted task into a reply error
func toRemote(err error) *remoteError {
	re := &remoteError{Kind: kindRejected, Message: err.Error()}
	var notFound *errors.InterfaceObjectNotFound
	switch {
	case stderrors.As(err, &notFound):
		re.Kind, re.Task, re.Name = kindNotFound, notFound.Task, notFound.Name
		return re
	case errors.IsCom(err):
		re.Kind = kindCom
		return re
	}
	for _, s := range sentinels {
		if stderrors.Is(err, s.err) {
			re.Sentinel = s.key
			break
		}
	}
	if errors.IsInvalid(err) {
		re.Kind = kindInvalid
	}
	return re
}

// fromRemote rebuilds the error reported by the serving side of task name
func fromRemote(name string, re *remoteError) error {
	switch re.Kind {
	case kindNotFound:
		return &errors.InterfaceObjectNotFound{Task: re.Task, Name: re.Name}
	case kindCom:
		return errors.NewComError(stderrors.New(re.Message), name)
	}

	failure := &remoteFailure{msg: re.Message}
	for _, s := range sentinels {
		if s.key == re.Sentinel {
			failure.sentinel = s.err
			break
		}
	}
	if re.Kind == kindInvalid {
		return errors.WrapInvalid(failure, "natsrpc", name, "remote request")
	}
	return failure
}
