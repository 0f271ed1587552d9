package service

import "fmt"

// State is the run state of a service.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// InstallStatus is tracked independently of State.
type InstallStatus int

const (
	NotInstalled InstallStatus = iota
	Installing
	Installed
	InstallFailed
)

func (s InstallStatus) String() string {
	switch s {
	case NotInstalled:
		return "not_installed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case InstallFailed:
		return "install_failed"
	default:
		return fmt.Sprintf("InstallStatus(%d)", int(s))
	}
}

// ServiceState is the mutable state every service carries. It's not safe
// for concurrent use, owners guard it with their own lock.
//
// TriedToInstall is set at most once per process, Installed implies the
// service commands are callable without another install attempt.
type ServiceState struct {
	Started        bool
	Installed      bool
	TriedToInstall bool
	PID            int
	State          State
	Install        InstallStatus
}

func (s *ServiceState) Starting() {
	s.State = StateStarting
}

func (s *ServiceState) Running(pid int) {
	s.Started = true
	s.State = StateRunning
	s.PID = pid
}

func (s *ServiceState) Stopping() {
	s.State = StateStopping
}

func (s *ServiceState) Stopped() {
	s.Started = false
	s.State = StateStopped
	s.PID = 0
}

// BeginInstall reports whether an install may be attempted and records the
// attempt. It returns false once any install was tried.
func (s *ServiceState) BeginInstall() bool {
	if s.Installed || s.TriedToInstall {
		return false
	}
	s.TriedToInstall = true
	s.Install = Installing
	return true
}

func (s *ServiceState) InstallDone(err error) {
	if err != nil {
		s.Install = InstallFailed
		return
	}
	s.Installed = true
	s.Install = Installed
}

// MarkInstalled records a service found callable without installing it.
func (s *ServiceState) MarkInstalled() {
	s.Installed = true
	s.Install = Installed
}
