// Command osvm boots the virtual-memory system of the kernel on a simulated
// machine and runs memory workloads on it.
package main

import "github.com/sarchlab/osvm/osvm/cmd"

func main() {
	cmd.Execute()
}
