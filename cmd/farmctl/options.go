package main

import "time"

// Options is the root command. The struct tags are interpreted by
// github.com/jessevdk/go-flags.
type Options struct {
	Login   LoginCmd   `command:"login" description:"Sign in and store a token"`
	Logout  LogoutCmd  `command:"logout" description:"Sign out and remove the stored token"`
	Token   TokenCmd   `command:"token" description:"Print the current token"`
	Refresh RefreshCmd `command:"refresh" description:"Exchange the refresh token for a new token"`
	PKCE    PKCECmd    `command:"pkce" description:"Print a fresh PKCE verifier, challenge and state"`
	Whoami  WhoamiCmd  `command:"whoami" description:"Fetch an API resource with the current token"`
	Version VersionCmd `command:"version" description:"Print the farmctl version"`
}

type LoginCmd struct {
	Username  string        `short:"u" long:"username" description:"account username (default: FARM_USERNAME)"`
	Password  string        `short:"p" long:"password" description:"account password (default: FARM_PASSWORD, else prompt)"`
	NoBrowser bool          `long:"no-browser" description:"print the login URL instead of opening a browser"`
	Timeout   time.Duration `long:"timeout" description:"how long to wait for the browser callback" default:"5m"`
}

type LogoutCmd struct{}

type TokenCmd struct {
	Format string `long:"format" description:"output format" choice:"json" choice:"yaml" default:"json"`
}

type RefreshCmd struct {
	Format string `long:"format" description:"output format" choice:"json" choice:"yaml" default:"json"`
}

type PKCECmd struct{}

type WhoamiCmd struct {
	Path string `long:"path" description:"path below the resource, e.g. /42"`
	Args struct {
		Resource string `positional-arg-name:"RESOURCE" required:"yes"`
	} `positional-args:"yes"`
}

type VersionCmd struct{}
