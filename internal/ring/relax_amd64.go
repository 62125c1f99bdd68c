//go:build amd64 && !noasm

package ring

// cpuRelax executes PAUSE, hinting the core that it sits in a spin-wait so
// the sibling hyperthread gets the pipeline.
//
//go:noescape
func cpuRelax()
