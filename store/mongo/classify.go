package mongo

import (
	"context"
	"errors"

	mongod "go.mongodb.org/mongo-driver/v2/mongo"
)

// Server error codes meaning the node went away or lost its role.
var transientCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	189,   // PrimarySteppedDown
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
}

// IsConnectionError reports whether err means the deployment was
// unreachable, as opposed to a problem with the command.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, mongod.ErrClientDisconnected) || mongod.IsNetworkError(err) || mongod.IsTimeout(err) {
		return true
	}
	var se mongod.ServerError
	if errors.As(err, &se) {
		for _, code := range transientCodes {
			if se.HasErrorCode(code) {
				return true
			}
		}
	}
	return false
}
