package ring

import (
	"fmt"
	"runtime"
)

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the given CPU core. Pass a negative core to lock the thread without
// binding it anywhere. The caller must invoke this from the goroutine that
// will run the hot loop, before entering it.
func Pin(core int) error {
	runtime.LockOSThread()
	if core < 0 {
		return nil
	}
	if err := setAffinity(core); err != nil {
		return fmt.Errorf("ring: pin core %d: %w", core, err)
	}
	return nil
}

// Unpin releases the OS-thread lock taken by Pin. Affinity is left as-is;
// the thread is returned to the scheduler's pool on goroutine exit.
func Unpin() {
	runtime.UnlockOSThread()
}
