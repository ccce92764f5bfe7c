// Package dedupe tracks idempotency keys so a retried request is not applied twice.
//
// A handler reserves the key before doing work, then either completes it with
// the reply or releases it on failure:
//
//	prev, state := cache.Reserve(key)
//	switch state {
//	case dedupe.Done:     // replay prev
//	case dedupe.InFlight: // reject, the first attempt is still running
//	case dedupe.Reserved: // do the work, then cache.Complete(key, reply)
//	}
package dedupe
