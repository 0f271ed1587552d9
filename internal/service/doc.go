// Package service defines the lifecycle shared by the external programs the
// extractor depends on.
//
// A Service is installed at most once per process through an ordered Chain
// of package manager invocations, then started, restarted and stopped.
// ServiceState tracks two independent machines:
//
//	run:     stopped -> starting -> running -> stopping -> stopped
//	install: not_installed -> installing -> installed | install_failed
//
// Errors wrapping ErrFatal end the whole run. ErrRestartRequired asks the
// entry point to re-invoke the program so a freshly installed binary is
// picked up with a clean environment.
package service
