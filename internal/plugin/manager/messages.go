package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/plughost/internal/billing"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/resource"
	"github.com/dshills/plughost/internal/plugin/security"
)

// UserMessage renders an error from the plugin system as a sentence fit
// for the user. Unknown errors fall back to their own text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		validation *plugin.ValidationError
		load       *plugin.LoadError
		perm       *security.PermissionError
		sec        *security.SecurityError
		violation  resource.Violation
		op         *OperationError
	)

	switch {
	case errors.As(err, &perm):
		if !perm.Declared {
			return fmt.Sprintf("The plugin does not declare the %q permission.", perm.Permission)
		}
		return fmt.Sprintf("The plugin needs the %q permission. Grant it in the plugin settings.", perm.Permission)
	case errors.As(err, &sec):
		return fmt.Sprintf("The plugin tried to access %s, which is outside its sandbox.", sec.Resource)
	case errors.As(err, &violation):
		return fmt.Sprintf("The plugin was stopped: it used too much %s.", violation.Resource)
	case errors.As(err, &validation):
		return "This plugin is not valid: " + validation.Message + "."
	case errors.Is(err, plugin.ErrDuplicatePlugin):
		return "Another plugin with the same id is already installed."
	case errors.As(err, &load):
		switch load.Stage {
		case plugin.StageExtract:
			return fmt.Sprintf("The plugin file %s is damaged or not a plugin package.", load.File)
		case plugin.StageInstantiate:
			return fmt.Sprintf("The plugin %s could not be started.", load.File)
		}
		return fmt.Sprintf("The plugin %s could not be loaded.", load.File)
	case errors.Is(err, plugin.ErrMissingManifest), errors.Is(err, plugin.ErrMalformedManifest), errors.Is(err, plugin.ErrInvalidPackage):
		return "The file is damaged or not a plugin package."
	case errors.Is(err, plugin.ErrUnsupportedRuntime):
		return "This plugin is built for a runtime this app does not support."
	case errors.Is(err, plugin.ErrPluginNotFound):
		return "The plugin is not installed."
	case errors.Is(err, ErrAlreadyInstalled):
		return "The plugin is already installed."
	case errors.Is(err, ErrPurchaseRequired), errors.Is(err, billing.ErrNoTrial):
		return "This plugin must be purchased before it can be installed."
	case errors.Is(err, ErrNotEnabled):
		return "The plugin is disabled. Enable it first."
	case errors.Is(err, ErrSuspended):
		return "The plugin was paused for using too many resources. Resume it to continue."
	case errors.Is(err, ErrIDMismatch):
		return "The update does not belong to this plugin."
	case errors.Is(err, billing.ErrPaymentDeclined):
		return "The payment was declined."
	case errors.Is(err, billing.ErrAlreadyPurchased):
		return "You already own this plugin."
	case errors.Is(err, billing.ErrTrialUsed):
		return "The free trial for this plugin was already used."
	case errors.Is(err, billing.ErrNoTrialOffered), errors.Is(err, billing.ErrNotForSale), errors.Is(err, billing.ErrUnknownFeature):
		return "This purchase is not available."
	case errors.Is(err, context.DeadlineExceeded):
		return "The plugin took too long to respond."
	case errors.As(err, &op):
		if op.Panicked {
			return "The plugin crashed and was contained. Try disabling and enabling it."
		}
		return fmt.Sprintf("The plugin failed to %s: %v", op.Operation, op.Err)
	}
	return err.Error()
}
