package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type RunFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// ControlFlags are shared by the commands that talk to a running daemon.
type ControlFlags struct {
	ConfigPath string
	Name       string
	Wait       time.Duration
	JSON       bool
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}
