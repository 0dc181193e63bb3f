package lua

import (
	"fmt"
	"math"

	glua "github.com/yuin/gopher-lua"
)

// toLua converts a Go value to a Lua value.
func toLua(L *glua.LState, v any) glua.LValue {
	switch x := v.(type) {
	case nil:
		return glua.LNil
	case bool:
		return glua.LBool(x)
	case string:
		return glua.LString(x)
	case int:
		return glua.LNumber(x)
	case int32:
		return glua.LNumber(x)
	case int64:
		return glua.LNumber(x)
	case uint64:
		return glua.LNumber(x)
	case float32:
		return glua.LNumber(x)
	case float64:
		return glua.LNumber(x)
	case []any:
		t := L.NewTable()
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, e := range x {
			t.Append(glua.LString(e))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, glua.LString(e))
		}
		return t
	default:
		return glua.LString(fmt.Sprint(x))
	}
}

// fromLua converts a Lua value to a Go value. Integral numbers become
// int64; tables with keys 1..n become []any, other tables map[string]any.
func fromLua(lv glua.LValue) any {
	return fromLuaVisited(lv, make(map[*glua.LTable]bool))
}

func fromLuaVisited(lv glua.LValue, visited map[*glua.LTable]bool) any {
	switch v := lv.(type) {
	case glua.LBool:
		return bool(v)
	case glua.LString:
		return string(v)
	case glua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *glua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return tableToGo(v, visited)
	default:
		return nil
	}
}

func tableToGo(t *glua.LTable, visited map[*glua.LTable]bool) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ glua.LValue) { count++ })

	if n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, fromLuaVisited(t.RawGetInt(i), visited))
		}
		return out
	}

	out := make(map[string]any, count)
	t.ForEach(func(k, v glua.LValue) {
		out[k.String()] = fromLuaVisited(v, visited)
	})
	return out
}
