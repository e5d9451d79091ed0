// Package control implements the node-to-node control protocol: election
// messages and SDFS file transfer over one request per TCP connection.
//
// Every field travels as one wire frame. The first frame names the message
// type and the last frame written by the server is its reply.
//
// A PUT that does not collide with another write is answered with a READY
// frame before the client sends the file name and contents. A colliding PUT
// gets PromptWriteInProgress instead and waits for a yes/no answer. Clients
// that expect no frame between the PUT type and the file name must read and
// discard READY first.
package control

import (
	"errors"
	"fmt"
	"strings"
)

// MessageType is the first frame of every request.
type MessageType string

const (
	MsgElection     MessageType = "ELECTION"
	MsgVictory      MessageType = "VICTORY"
	MsgCoordination MessageType = "COORDINATION"
	MsgGet          MessageType = "GET"
	MsgPut          MessageType = "PUT"
	MsgDelete       MessageType = "DELETE"
)

// Literal reply and prompt strings.
const (
	ReplyOK    = "OK"
	ReplyNACK  = "NACK"
	ReplyReady = "READY"

	PromptWriteInProgress = "Another write in process. Continue?"
	AnswerNo              = "no"
	AnswerYes             = "yes"

	errorReplyPrefix = "ERROR: "
)

var (
	// ErrNoReply is returned when the server closed without a reply frame.
	ErrNoReply = errors.New("connection closed without reply")

	// ErrWriteDeclined is returned by Put when the caller declined the
	// overwrite prompt.
	ErrWriteDeclined = errors.New("write declined")
)

// ProtocolError reports an unexpected or error reply from a peer.
type ProtocolError struct {
	Op    MessageType
	Host  string
	Reply string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("control %s %s: unexpected reply %q", e.Op, e.Host, e.Reply)
}

// Remote returns the error text sent by the peer, if the reply was an error
// reply.
func (e *ProtocolError) Remote() (string, bool) {
	return strings.CutPrefix(e.Reply, errorReplyPrefix)
}

// IsProtocolError reports whether err wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func errorReply(err error) string {
	return errorReplyPrefix + err.Error()
}
