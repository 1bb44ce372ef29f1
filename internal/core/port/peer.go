package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// PeerHandlers are invoked from the connection's own goroutines. OnConnect,
// OnError and OnClose fire at most once per link.
type PeerHandlers struct {
	OnStream  func(RemoteStream)
	OnConnect func()
	OnError   func(error)
	OnClose   func()
}

type PeerConnector interface {
	CreateOutbound(ctx context.Context, res MediaResource, h PeerHandlers) (PeerLink, []byte, error)
	CreateInbound(ctx context.Context, res MediaResource, remote []byte, h PeerHandlers) (PeerLink, []byte, error)
}

type PeerLink interface {
	// Signal applies a remote answer or candidate.
	Signal(payload []byte) error
	// ReplaceTrack swaps the outgoing track of kind without renegotiation.
	// A nil track sends silence/black.
	ReplaceTrack(kind domain.MediaKind, track LocalTrack) error
	Destroy()
	IsClosed() bool
}
