//go:build cgo

// C exports of the mobile bridge. Build as a shared library:
// libfieldsync.so (Android) / FieldSync.framework (iOS).
//
// Calls returning *C.char hand ownership to the caller, who must release it
// with FreeString. A nil result or a negative int means failure; the reason
// is available from GetLastError until the next failing call.

package main

/*
#cgo CFLAGS: -Wall -Wextra
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"unsafe"
)

var (
	lastErr string
	lastMu  sync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = errorJSON(err)
}

// result converts a bridge result to a C string, recording err.
func result(out string, err error) *C.char {
	if err != nil {
		setLastError(err)
		if out == "" {
			return nil
		}
	}
	return C.CString(out)
}

func status(err error) C.int {
	if err != nil {
		setLastError(err)
		return -1
	}
	return 0
}

//export Init
// Init opens the engine from a YAML or JSON configuration document.
func Init(config *C.char) C.int {
	return status(shared.init(C.GoString(config)))
}

//export Close
func Close() C.int {
	return status(shared.close())
}

//export GetLastError
// GetLastError returns {"error","code"} for the last failure.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export FreeString
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

// =====================================================
// Session and connectivity
// =====================================================

//export SignIn
func SignIn(token *C.char) C.int {
	return status(shared.signIn(C.GoString(token)))
}

//export SignOut
func SignOut() C.int {
	return status(shared.signOut())
}

//export SetNetworkState
// SetNetworkState reports a connectivity change from the platform (0 offline, 1 online).
func SetNetworkState(online C.int) C.int {
	return status(shared.setNetworkState(online != 0))
}

// =====================================================
// Entity operations
// =====================================================

//export Create
func Create(entityType, data *C.char) *C.char {
	return result(shared.create(C.GoString(entityType), C.GoString(data)))
}

//export Update
func Update(entityType, id, data *C.char) *C.char {
	return result(shared.update(C.GoString(entityType), C.GoString(id), C.GoString(data)))
}

//export Delete
func Delete(entityType, id *C.char) C.int {
	return status(shared.delete(C.GoString(entityType), C.GoString(id)))
}

//export Get
func Get(entityType, id *C.char) *C.char {
	return result(shared.get(C.GoString(entityType), C.GoString(id)))
}

//export List
func List(entityType, filter *C.char) *C.char {
	return result(shared.list(C.GoString(entityType), C.GoString(filter)))
}

// =====================================================
// Sync
// =====================================================

//export Status
func Status() *C.char {
	return result(shared.status())
}

//export FailedItems
func FailedItems() *C.char {
	return result(shared.failedItems())
}

//export Retry
func Retry(itemID *C.char) C.int {
	return status(shared.retry(C.GoString(itemID)))
}

//export RetryAll
// RetryAll returns the number of items queued again, or -1.
func RetryAll() C.int {
	n, err := shared.retryAll()
	if err != nil {
		setLastError(err)
		return -1
	}
	return C.int(n)
}

//export Discard
func Discard(itemID *C.char) C.int {
	return status(shared.discard(C.GoString(itemID)))
}

//export Sync
func Sync() *C.char {
	return result(shared.sync())
}

//export Foreground
// Foreground pulls server state, then drains the queue. The result is
// returned even when a pass failed; check GetLastError in that case.
func Foreground() *C.char {
	return result(shared.foreground())
}
