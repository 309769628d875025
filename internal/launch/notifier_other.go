//go:build !linux

package launch

func newNotifier(p *Process) (ExitNotifier, error) {
	return newWaitNotifier(p)
}
