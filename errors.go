package archsock

import "github.com/oriaj-nocrala/archsock/internal/errs"

// Sentinel errors returned by Messenger operations. Test with errors.Is;
// most are returned wrapped with call-site context.
var (
	ErrNotStarted       = errs.ErrNotStarted
	ErrStopped          = errs.ErrStopped
	ErrDestroyed        = errs.ErrDestroyed
	ErrInvalidParameter = errs.ErrInvalidParameter
	ErrPeerNotFound     = errs.ErrPeerNotFound
	ErrPeerNotConnected = errs.ErrPeerNotConnected
	ErrConnectionFailed = errs.ErrConnectionFailed
	ErrSendQueueFull    = errs.ErrSendQueueFull
	ErrPeerUnresponsive = errs.ErrPeerUnresponsive
)
