// Package fleet is the HTTP/JSON client for the fleet backend that
// provisions kiosk devices, publishes bundle versions and collects crash
// reports and log history.
//
// Authenticated calls carry a short-lived bearer token signed with the
// device's private key. Transport failures wrap ErrUnavailable and non-2xx
// answers are returned as *APIError; IsNetwork tells the two apart from
// client-side mistakes.
package fleet
