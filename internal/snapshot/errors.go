package snapshot

import "errors"

// ErrMultipleReaders is the panic value raised by Reader.Read when a
// previously returned Guard has not yet been Closed. Per spec §7 this is
// an invariant breach: the caller is expected to terminate, not recover.
var ErrMultipleReaders = errors.New("snapshot: multiple readers")
