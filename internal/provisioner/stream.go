package provisioner

import (
	"io"

	"github.com/docker/docker/api/types"
)

// hijackStream adapts a hijacked exec connection to io.ReadWriteCloser.
// Reads come from the buffered response reader, writes go to the raw
// connection (TTY mode, no stream multiplexing).
type hijackStream struct {
	resp types.HijackedResponse
}

func (h *hijackStream) Read(p []byte) (int, error) {
	return h.resp.Reader.Read(p)
}

func (h *hijackStream) Write(p []byte) (int, error) {
	return h.resp.Conn.Write(p)
}

func (h *hijackStream) Close() error {
	h.resp.Close()
	return nil
}

var _ io.ReadWriteCloser = (*hijackStream)(nil)
