package expression

import (
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestStringify(t *testing.T) {
	assert.Equal(t, "15", Stringify(float64(15)))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "false", Stringify(false))
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "x", Stringify("x"))
	assert.Equal(t, `["a","b"]`, Stringify([]interface{}{"a", "b"}))
}

func TestStringifyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("integer-valued floats render without a decimal point", prop.ForAll(
		func(n int64) bool {
			return Stringify(float64(n)) == strconv.FormatInt(n, 10)
		},
		gen.Int64Range(-1<<52, 1<<52),
	))

	properties.Property("fractional floats round-trip through their string form", prop.ForAll(
		func(f float64) bool {
			parsed, err := strconv.ParseFloat(Stringify(f), 64)
			return err == nil && parsed == f
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("lookup never panics on arbitrary paths", prop.ForAll(
		func(path string) bool {
			data := map[string]interface{}{
				"a": []interface{}{map[string]interface{}{"b": float64(1)}},
			}
			_ = Lookup(data, path)
			return true
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy("0"))
	assert.False(t, Truthy(float64(0)))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(float64(1)))
	assert.True(t, Truthy([]interface{}{1}))
	assert.False(t, Truthy([]interface{}{}))
	assert.True(t, Truthy(map[string]interface{}{"k": 1}))
}
