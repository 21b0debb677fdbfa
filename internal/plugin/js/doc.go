// Package js runs plugins written in JavaScript on goja.
//
// A plugin script defines optional global functions that map to plugin
// capabilities, and reaches the host through the global host object:
//
//	function initialize() {
//	    host.log("info", "started as " + host.id());
//	}
//
//	function translate(text, from, to) {
//	    return host.prefGet("prefix", "") + text;
//	}
//
// Host methods that fail throw a JavaScript exception carrying the Go
// error message. Each call is interrupted after the execution timeout.
package js
