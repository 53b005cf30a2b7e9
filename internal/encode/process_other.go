//go:build !unix

package encode

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
