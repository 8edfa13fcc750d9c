// Package logging adapts the process logger to the demuxer's Logger
// interface.
package logging

import (
	"context"
	"fmt"

	"github.com/ossrs/go-oryx-lib/logger"

	"opusdemux/internal/cid"
	"opusdemux/internal/oggdemux"
)

// Demuxer logs demuxer diagnostics under the cid carried by ctx and the
// given stream id.
type Demuxer struct {
	ctx    context.Context
	prefix string
}

var _ oggdemux.Logger = (*Demuxer)(nil)

// ForDemuxer returns a logger for the demuxer of streamID.
func ForDemuxer(ctx context.Context, streamID string) *Demuxer {
	return &Demuxer{ctx: ctx, prefix: Prefix(ctx, streamID)}
}

// Prefix formats the "[cid][stream] " tag used by every session log line.
func Prefix(ctx context.Context, streamID string) string {
	id := cid.CIDFromContext(ctx)
	switch {
	case id != "" && streamID != "":
		return fmt.Sprintf("[%s][%s] ", id, streamID)
	case id != "":
		return fmt.Sprintf("[%s] ", id)
	case streamID != "":
		return fmt.Sprintf("[%s] ", streamID)
	}
	return ""
}

// Infof logs at trace level; the library discards its info level.
func (l *Demuxer) Infof(format string, args ...interface{}) {
	logger.Tf(l.ctx, l.prefix+format, args...)
}

func (l *Demuxer) Warnf(format string, args ...interface{}) {
	logger.Wf(l.ctx, l.prefix+format, args...)
}

func (l *Demuxer) Errorf(format string, args ...interface{}) {
	logger.Ef(l.ctx, l.prefix+format, args...)
}
