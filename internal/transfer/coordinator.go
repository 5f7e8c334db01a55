// Package transfer implements the multiplexed file-transfer coordinator:
// it interleaves binary chunk frames with JSON control frames over a
// single transport.Connection, running one small state machine per
// transfer_id in each direction.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/stevej/gsv/internal/protocol"
	"github.com/stevej/gsv/internal/transport"
)

// chunkSize is the maximum number of payload bytes per binary frame.
const chunkSize = 256 * 1024

// Coordinator multiplexes send/receive file transfers over one connection.
// Each direction keyed by transfer_id holds at most one start-signal slot
// (outbound) or one chunk-channel slot (inbound); both are removed on
// cleanup.
type Coordinator struct {
	logger    *zap.Logger
	workspace string
	conn      *transport.Connection

	mu           sync.Mutex
	startSignals map[uint32]chan struct{}
	receivers    map[uint32]*inboundTransfer
}

type inboundTransfer struct {
	chunks chan []byte
	end    chan struct{}
}

// New constructs a coordinator bound to one connection and workspace root.
func New(conn *transport.Connection, workspace string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		logger:       logger,
		workspace:    workspace,
		conn:         conn,
		startSignals: make(map[uint32]chan struct{}),
		receivers:    make(map[uint32]*inboundTransfer),
	}
}

// HandleBinaryFrame routes one inbound binary frame by its 4-byte transfer
// tag to the matching receiver's chunk channel. A frame with no matching
// receiver is silently dropped.
func (c *Coordinator) HandleBinaryFrame(frame []byte) {
	id, data, err := protocol.DecodeBinary(frame)
	if err != nil {
		c.logger.Warn("transfer: malformed binary frame", zap.Error(err))
		return
	}
	c.mu.Lock()
	recv, ok := c.receivers[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case recv.chunks <- chunk:
	case <-recv.end:
	}
}

// HandleStart resolves the start-signal gate for an outbound transfer
// previously registered by SendFile, unblocking its chunk stream.
func (c *Coordinator) HandleStart(evt protocol.TransferStartEvent) {
	c.mu.Lock()
	ch, ok := c.startSignals[evt.TransferID]
	if ok {
		delete(c.startSignals, evt.TransferID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// HandleEnd signals an inbound transfer's receiver that no more chunks are
// coming, letting ReceiveFile finalize and report bytes written.
func (c *Coordinator) HandleEnd(evt protocol.TransferEndEvent) {
	c.mu.Lock()
	recv, ok := c.receivers[evt.TransferID]
	c.mu.Unlock()
	if ok {
		close(recv.end)
	}
}

// SendFile implements the node -> gateway direction: stat the path, send
// transfer.meta, wait for transfer.start, stream the file in 256 KiB binary
// chunks, then send transfer.complete. Always cleans up its start-signal
// slot on return.
func (c *Coordinator) SendFile(ctx context.Context, evt protocol.TransferSendEvent) error {
	resolved := resolvePath(c.workspace, evt.Path)

	info, statErr := os.Stat(resolved)
	if statErr != nil {
		msg := statErr.Error()
		c.sendMeta(ctx, evt.TransferID, 0, nil, &msg)
		return fmt.Errorf("transfer: stat %s: %w", evt.Path, statErr)
	}

	start := make(chan struct{})
	c.mu.Lock()
	c.startSignals[evt.TransferID] = start
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.startSignals, evt.TransferID)
		c.mu.Unlock()
	}()

	mime := detectMime(resolved)
	if err := c.sendMeta(ctx, evt.TransferID, info.Size(), &mime, nil); err != nil {
		return err
	}

	select {
	case <-start:
	case <-ctx.Done():
		return fmt.Errorf("transfer: %d: %w waiting for transfer.start", evt.TransferID, ctx.Err())
	}

	f, err := os.Open(resolved)
	if err != nil {
		return fmt.Errorf("transfer: open %s: %w", evt.Path, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if sendErr := c.conn.SendBinary(protocol.EncodeBinary(evt.TransferID, buf[:n])); sendErr != nil {
				return fmt.Errorf("transfer: %d: send chunk: %w", evt.TransferID, sendErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("transfer: %d: read %s: %w", evt.TransferID, evt.Path, readErr)
		}
	}

	_, err = c.conn.Request(ctx, "transfer.complete", mustJSON(protocol.TransferCompleteParams{TransferID: evt.TransferID}))
	if err != nil {
		return fmt.Errorf("transfer: %d: transfer.complete: %w", evt.TransferID, err)
	}
	return nil
}

func (c *Coordinator) sendMeta(ctx context.Context, id uint32, size int64, mime, errMsg *string) error {
	_, err := c.conn.Request(ctx, "transfer.meta", mustJSON(protocol.TransferMetaParams{
		TransferID: id, Size: size, Mime: mime, Error: errMsg,
	}))
	if err != nil {
		return fmt.Errorf("transfer: %d: transfer.meta: %w", id, err)
	}
	return nil
}

// ReceiveFile implements the gateway -> node direction: create parent
// directories, open the destination file, register a chunk channel, and
// acknowledge with transfer.accept. It blocks until HandleEnd closes the
// transfer's end gate, then sends transfer.done with the outcome.
func (c *Coordinator) ReceiveFile(ctx context.Context, evt protocol.TransferReceiveEvent) error {
	resolved := resolvePath(c.workspace, evt.Path)

	if dir := filepath.Dir(resolved); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			msg := err.Error()
			c.sendAccept(ctx, evt.TransferID, &msg)
			return fmt.Errorf("transfer: mkdir for %s: %w", evt.Path, err)
		}
	}

	f, err := os.Create(resolved)
	if err != nil {
		msg := err.Error()
		c.sendAccept(ctx, evt.TransferID, &msg)
		return fmt.Errorf("transfer: create %s: %w", evt.Path, err)
	}
	defer f.Close()

	recv := &inboundTransfer{chunks: make(chan []byte, 16), end: make(chan struct{})}
	c.mu.Lock()
	c.receivers[evt.TransferID] = recv
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.receivers, evt.TransferID)
		c.mu.Unlock()
	}()

	if err := c.sendAccept(ctx, evt.TransferID, nil); err != nil {
		return err
	}

	hasher, _ := blake2b.New256(nil)
	var written int64
	var writeErr error

loop:
	for {
		select {
		case chunk := <-recv.chunks:
			n, werr := f.Write(chunk)
			written += int64(n)
			hasher.Write(chunk[:n])
			if werr != nil && writeErr == nil {
				writeErr = werr
			}
		case <-recv.end:
			for drained := true; drained; {
				select {
				case chunk := <-recv.chunks:
					n, werr := f.Write(chunk)
					written += int64(n)
					hasher.Write(chunk[:n])
					if werr != nil && writeErr == nil {
						writeErr = werr
					}
				default:
					drained = false
				}
			}
			break loop
		case <-ctx.Done():
			writeErr = ctx.Err()
			break loop
		}
	}

	var errMsg *string
	if writeErr != nil {
		msg := writeErr.Error()
		errMsg = &msg
	} else {
		c.logger.Info("transfer: received file",
			zap.Uint32("transferId", evt.TransferID),
			zap.String("path", evt.Path),
			zap.Int64("bytesWritten", written),
			zap.String("blake2b256", fmt.Sprintf("%x", hasher.Sum(nil))),
		)
	}

	_, reqErr := c.conn.Request(ctx, "transfer.done", mustJSON(protocol.TransferDoneParams{
		TransferID: evt.TransferID, BytesWritten: written, Error: errMsg,
	}))
	if reqErr != nil {
		return fmt.Errorf("transfer: %d: transfer.done: %w", evt.TransferID, reqErr)
	}
	if writeErr != nil {
		return fmt.Errorf("transfer: %d: %w", evt.TransferID, writeErr)
	}
	return nil
}

func (c *Coordinator) sendAccept(ctx context.Context, id uint32, errMsg *string) error {
	_, err := c.conn.Request(ctx, "transfer.accept", mustJSON(protocol.TransferAcceptParams{TransferID: id, Error: errMsg}))
	if err != nil {
		return fmt.Errorf("transfer: %d: transfer.accept: %w", id, err)
	}
	return nil
}

// detectMime sniffs the first bytes of the file for a MIME type, falling
// back to the library's generic octet-stream default on read failure.
func detectMime(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

func resolvePath(workspace, path string) string {
	if path == "" {
		return workspace
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("transfer: marshal %T: %v", v, err))
	}
	return data
}
