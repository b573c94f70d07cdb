package version

import (
	"encoding/json"
	"runtime"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestFromBuildSettings(t *testing.T) {
	info := fromBuildSettings(Info{Version: "1.2.3"}, []debug.BuildSetting{
		{Key: "GOOS", Value: "linux"},
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.modified", Value: "true"},
	})

	assert.Equal(t, "0123456789abcdef", info.Revision)
	assert.True(t, info.Modified)
	assert.Equal(t, "1.2.3 (01234567-dirty)", info.short())
}

func TestInfo_Short(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{name: "no vcs stamp", info: Info{Version: "dev"}, want: "dev"},
		{name: "truncated revision ignored", info: Info{Version: "dev", Revision: "abc"}, want: "dev"},
		{name: "clean tree", info: Info{Version: "1.2.3", Revision: "0123456789abcdef"}, want: "1.2.3 (01234567)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.short())
		})
	}
}

func TestString(t *testing.T) {
	s := String()
	assert.True(t, strings.HasPrefix(s, ApplicationName+" version "), s)
	assert.True(t, strings.HasSuffix(s, runtime.Version()), s)
}

func TestJSON(t *testing.T) {
	var info Info
	require.NoError(t, json.Unmarshal([]byte(JSON()), &info))
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}
