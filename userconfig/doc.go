// Package userconfig parses the YAML file that tells the emaillib command
// which SMTP server to use and how to log. Values are validated while
// they're decoded, so a parsed config only needs defaults applied.
package userconfig
