// Package errors defines the coded errors dedupkit returns to callers.
//
// Codes split into transient ones (ACK_TIMEOUT, BUS_CLOSED, TIMEOUT), where
// asking again may succeed, and everything else. A follower that learns of a
// failure through a finish_error broadcast gets the owner's reason verbatim:
//
//	_, err := fut.Wait(ctx)
//	if errors.Is(err, errors.ErrCodeRemoteWorkFailed) {
//	    log.Println(err.Error()) // exactly the reason the owner sent
//	}
//	if errors.IsRetryable(err) {
//	    // request again
//	}
package errors
