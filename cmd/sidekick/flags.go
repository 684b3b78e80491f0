package main

import "time"

// GlobalFlags holds persistent flags for every command.
type GlobalFlags struct {
	ConfigPath string
	// Control API connection
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	ServerName string
	Insecure   bool
}

type ServeFlags struct {
	Command string
	Listen  string
	NoStart bool
}

type EventsFlags struct {
	Limit   int
	History bool
}

type ConfigSetFlags struct {
	Values []string
}
