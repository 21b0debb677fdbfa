// Package lua runs plugins written in Lua on gopher-lua.
//
// Each plugin gets its own State with only the base, table, string, math
// and coroutine libraries. dofile, load and friends are removed, and
// require resolves only those libraries plus the "host" module:
//
//	local host = require("host")
//
//	function initialize()
//	    host.log("info", "started as " .. host.id())
//	end
//
//	function invoke(action, args)
//	    if action == "count" then
//	        return #args.items
//	    end
//	end
//
// The host module forwards to the plugin's plugin.Context, so file, network,
// preference and notification calls are subject to the same permission
// checks as every other runtime. Failed calls return nil and an error
// message.
//
// Optional globals map to capabilities: colors (Theme), translate
// (Translator), speak (Speaker) and invoke (FeatureProvider). initialize and
// cleanup are called on enable and disable.
//
// Every call runs under an execution timeout enforced through the state's
// context, so a runaway loop fails with ErrExecutionTimeout.
package lua
