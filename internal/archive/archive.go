// Package archive writes expired terminal commands to cold storage
// before retention deletes them from the store.
//
// A batch becomes one object: newline-delimited canonical JSON, one
// command per line, compressed with zstd. Objects are keyed by the archive
// time and the first command id so batches never overwrite each other.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/roach88/vizq/internal/clock"
	"github.com/roach88/vizq/internal/errors"
	"github.com/roach88/vizq/internal/payload"
	"github.com/roach88/vizq/internal/queue"
)

// Ext is the object suffix.
const Ext = ".jsonl.zst"

// Sink stores one archive object.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// zstd encoders and decoders are safe for concurrent use, so one of each
// serves every archiver.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Archiver implements queue.Archiver on top of a Sink.
type Archiver struct {
	sink   Sink
	prefix string
	clock  clock.Clock
}

// New creates an archiver writing under prefix. A nil clock uses the wall
// clock.
func New(sink Sink, prefix string, c clock.Clock) *Archiver {
	return &Archiver{sink: sink, prefix: strings.Trim(prefix, "/"), clock: clock.OrReal(c)}
}

var _ queue.Archiver = (*Archiver)(nil)

// Archive implements queue.Archiver. An empty batch writes nothing.
func (a *Archiver) Archive(ctx context.Context, cmds []queue.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	data, err := Encode(cmds)
	if err != nil {
		return err
	}
	key := a.Key(cmds[0].ID)
	if err := a.sink.Put(ctx, key, data); err != nil {
		return errors.Wrapf(err, "archive %d commands to %s", len(cmds), key)
	}
	return nil
}

// Key names the object for a batch starting with firstID.
func (a *Archiver) Key(firstID string) string {
	ts := a.clock.Now().UTC().Format("20060102T150405.000000000Z")
	name := fmt.Sprintf("commands-%s-%s%s", ts, firstID, Ext)
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

// Encode renders cmds as compressed JSON lines.
func Encode(cmds []queue.Command) ([]byte, error) {
	var buf bytes.Buffer
	for _, cmd := range cmds {
		line, err := payload.MarshalMap(Record(cmd))
		if err != nil {
			return nil, errors.Wrapf(err, "encode command %s", cmd.ID)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

// Decode reverses Encode, returning one map per archived command.
func Decode(data []byte) ([]payload.Map, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompress archive")
	}
	var out []payload.Map
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		m, err := payload.Decode(sc.Bytes())
		if err != nil {
			return nil, errors.Wrapf(err, "archive line %d", len(out)+1)
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

// Record is the archived form of a command.
func Record(cmd queue.Command) payload.Map {
	m := payload.Map{
		"id":          cmd.ID,
		"owner":       cmd.Owner,
		"method":      cmd.Method,
		"status":      string(cmd.Status),
		"issued_at":   stamp(cmd.IssuedAt),
		"created_at":  stamp(cmd.CreatedAt),
		"updated_at":  stamp(cmd.UpdatedAt),
		"retry_count": int64(cmd.RetryCount),
	}
	if cmd.Params != nil {
		m["params"] = cmd.Params
	}
	if !cmd.ClaimedAt.IsZero() {
		m["claimed_at"] = stamp(cmd.ClaimedAt)
	}
	if cmd.Result != nil {
		m["result"] = cmd.Result
	}
	if cmd.Error != "" {
		m["error"] = cmd.Error
		m["error_code"] = int64(cmd.ErrorCode)
	}
	return m
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
