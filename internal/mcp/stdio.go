package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mysqlgate/mysqlgate/internal/auth"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
	"github.com/mysqlgate/mysqlgate/internal/session"
)

const setupInstructions = "AUTH_TOKEN is missing or invalid. Create an API key in the gateway UI (Settings > API Keys) and set AUTH_TOKEN to its secret before starting the client."

// maxFrameBytes bounds one stdio frame.
const maxFrameBytes = 4 << 20

// Stdio serves newline-delimited JSON-RPC frames on a reader/writer pair,
// one frame per line. All calls share the single process-local context.
type Stdio struct {
	dispatcher *Dispatcher
	sessions   *session.Manager

	// identity resolved once at startup from AUTH_TOKEN; nil means every
	// tool call fails with setup instructions.
	identity *auth.Identity

	wmu sync.Mutex
}

// NewStdio validates the startup token once and returns the transport. An
// invalid token is not fatal; the transport runs and reports the problem on
// each tool call so the client surfaces actionable instructions.
func NewStdio(dispatcher *Dispatcher, sessions *session.Manager, authenticator *auth.Authenticator, authToken string) *Stdio {
	s := &Stdio{dispatcher: dispatcher, sessions: sessions}

	if authToken == "" {
		slog.Warn("AUTH_TOKEN is not set; tool calls will be rejected")
		return s
	}
	id, err := authenticator.VerifyAPIKeySecret(authToken)
	if err != nil {
		slog.Warn("AUTH_TOKEN did not match any active API key; tool calls will be rejected")
		return s
	}
	s.identity = id
	return s
}

// Run reads frames until EOF or context cancellation.
func (s *Stdio) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	c := s.sessions.ProcessContext()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(out, errorResponse(nil, gateway.RPCCodeParse, "parse error"))
			continue
		}

		resp := s.handle(ctx, c, &req)
		if resp != nil {
			s.write(out, resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}

func (s *Stdio) handle(ctx context.Context, c *session.Context, req *Request) *Response {
	// Only tool invocations are gated on the startup token; the handshake
	// and discovery methods stay available so clients can show the problem.
	if req.Method == "tools/call" && s.identity == nil {
		return errorResponse(req.ID, gateway.RPCCodeServer, setupInstructions)
	}
	if s.identity != nil {
		ctx = auth.WithIdentity(ctx, s.identity)
	}
	return s.dispatcher.Handle(ctx, c, req)
}

func (s *Stdio) write(out io.Writer, resp *Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response failed", "err", err)
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	out.Write(raw)
	out.Write([]byte{'\n'})
}
