// Package secure produces credential material from locked memory.
//
// Random bytes are drawn into memguard buffers, which are mlocked (never
// swapped to disk), surrounded by guard pages and wiped on Destroy. Only the
// final alphabet-mapped string leaves the package; intermediate bytes are
// zeroed before returning.
//
// # Usage
//
//	value, err := secure.RandomString(64, secure.Alphanumeric)
//	if err != nil {
//	    return err
//	}
//
// # Platform Behavior
//
// Memory locking behavior varies by platform:
//
//   - Linux: Requires RLIMIT_MEMLOCK to be set appropriately
//   - macOS: Works out of the box
//   - Windows: Uses VirtualLock
//
// Strings returned to callers are ordinary Go memory; callers that persist
// them should not keep extra copies around.
package secure
