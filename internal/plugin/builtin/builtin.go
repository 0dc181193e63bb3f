// Package builtin provides the modules compiled into the runtime.
package builtin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/adap-ai/adap/internal/plugin"
)

// Path identifiers of the builtin modules.
const (
	SystemPath  = "plugins.system"
	VaultPath   = "plugins.vault"
	GatewayPath = "plugins.gateway"
)

// SecretReader is the read side of the secret store.
type SecretReader interface {
	Get(name string) (string, bool)
	Items() map[string]string
}

// Sealer seals and unseals structured data.
type Sealer interface {
	Seal(v any) (string, error)
	UnsealValue(token string) (any, error)
}

// Deps are the collaborators builtin modules may use. Nil fields leave the
// corresponding module out of the table.
type Deps struct {
	Secrets SecretReader
	Gateway Sealer
	Version string
	Now     func() time.Time
}

// Table returns a plugin table holding the builtin modules.
func Table(deps Deps) *plugin.Table {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	t := plugin.NewTable()
	t.Add(SystemPath, System(deps.Version, deps.Now))
	if deps.Secrets != nil {
		t.Add(VaultPath, Vault(deps.Secrets))
	}
	if deps.Gateway != nil {
		t.Add(GatewayPath, Gateway(deps.Gateway))
	}
	return t
}

// System exposes liveness helpers.
func System(version string, now func() time.Time) plugin.Funcs {
	return plugin.Funcs{
		"ping": func(context.Context, []any, map[string]any) (any, error) {
			return "pong", nil
		},
		"time": func(context.Context, []any, map[string]any) (any, error) {
			return now().UTC().Format(time.RFC3339), nil
		},
		"version": func(context.Context, []any, map[string]any) (any, error) {
			return version, nil
		},
		"echo": func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
			return map[string]any{"args": args, "kwargs": kwargs}, nil
		},
	}
}

// Vault reports which secrets exist. It never returns a secret value.
func Vault(secrets SecretReader) plugin.Funcs {
	return plugin.Funcs{
		"has": func(_ context.Context, args []any, _ map[string]any) (any, error) {
			name, err := stringArg(args, 0, "name")
			if err != nil {
				return nil, err
			}
			_, ok := secrets.Get(name)
			return ok, nil
		},
		"names": func(context.Context, []any, map[string]any) (any, error) {
			items := secrets.Items()
			names := make([]string, 0, len(items))
			for name := range items {
				names = append(names, name)
			}
			sort.Strings(names)
			return names, nil
		},
	}
}

// Gateway exposes the layered cipher gateway.
func Gateway(g Sealer) plugin.Funcs {
	return plugin.Funcs{
		"seal": func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
			switch {
			case len(args) == 1:
				return g.Seal(args[0])
			case len(args) == 0 && len(kwargs) > 0:
				return g.Seal(kwargs)
			default:
				return nil, fmt.Errorf("seal takes one positional value or keyword arguments")
			}
		},
		"unseal": func(_ context.Context, args []any, _ map[string]any) (any, error) {
			token, err := stringArg(args, 0, "token")
			if err != nil {
				return nil, err
			}
			return g.UnsealValue(token)
		},
	}
}

func stringArg(args []any, i int, name string) (string, error) {
	if len(args) <= i {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", name, args[i])
	}
	return s, nil
}
