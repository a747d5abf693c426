package room

// Logging convention in the `room` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal
//     operation, with the exception of one time (infrequent) initialization data
//     that is useful for monitoring
//     this includes:
//     - auth failures and channel teardown
//     - rejected storage ops
// Error:
//     unrecoverable crash details
// V(1):
//     connection lifecycle transitions
// V(2):
//     frequent events - send, receive, flush, apply - with short tags:
//     [conn] connection, [ch] channel, [disp] dispatch, [stor] storage,
//     [room] flush

const Version = "0.0.1"
