// Package domain holds the vocabulary shared by the tap engine and the code around it:
// output formats, protocols, request and connection attributes, the admin publisher
// contract and the sentinel errors returned when a tap cannot be configured.
//
// It imports only the standard library. Packages such as tap, matcher, admin and proxy
// depend on domain; domain never imports them.
package domain
