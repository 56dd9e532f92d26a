package util

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/seaweedfs/blockfilter/weed/glog"
)

var (
	ConfigurationFileDirectory DirectoryValueType
)

type DirectoryValueType string

func (s *DirectoryValueType) Set(value string) error {
	*s = DirectoryValueType(value)
	return nil
}
func (s *DirectoryValueType) String() string {
	return string(*s)
}
func (s *DirectoryValueType) Type() string {
	return "string"
}

type Configuration interface {
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetDuration(key string) time.Duration
	SetDefault(key string, value interface{})
}

func LoadConfiguration(configFileName string, required bool) (loaded bool) {

	v := GetViper()
	v.SetConfigName(configFileName)                                   // name of config file (without extension)
	v.AddConfigPath(ResolvePath(ConfigurationFileDirectory.String())) // path to look for the config file in
	v.AddConfigPath(".")                                              // optionally look for config in the working directory
	v.AddConfigPath("$HOME/.blockfilter")                             // call multiple times to add many search paths
	v.AddConfigPath("/usr/local/etc/blockfilter/")                    // search path for bsd-style config directory in
	v.AddConfigPath("/etc/blockfilter/")                              // path to look for the config file in

	if err := v.MergeInConfig(); err != nil { // Handle errors reading the config file
		var notFound viper.ConfigFileNotFoundError
		if strings.Contains(err.Error(), "Not Found") || errors.As(err, &notFound) {
			glog.V(1).Infof("Reading %s: %v", v.ConfigFileUsed(), err)
		} else {
			glog.Fatalf("Reading %s: %v", v.ConfigFileUsed(), err)
		}
		if required {
			glog.Fatalf("Failed to load %s.toml file from current directory, or $HOME/.blockfilter/, or /etc/blockfilter/",
				configFileName)
		}
		return false
	}
	glog.V(1).Infof("Reading %s.toml from %s", configFileName, v.ConfigFileUsed())

	return true
}

// ResolvePath expands a leading ~ to the user's home directory.
func ResolvePath(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

type ViperProxy struct {
	*viper.Viper
	sync.Mutex
}

var (
	vp = &ViperProxy{}
)

func (vp *ViperProxy) SetDefault(key string, value interface{}) {
	vp.Lock()
	defer vp.Unlock()
	vp.Viper.SetDefault(key, value)
}

func (vp *ViperProxy) GetString(key string) string {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetString(key)
}

func (vp *ViperProxy) GetBool(key string) bool {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetBool(key)
}

func (vp *ViperProxy) GetInt(key string) int {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetInt(key)
}

func (vp *ViperProxy) GetDuration(key string) time.Duration {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetDuration(key)
}

func GetViper() *ViperProxy {
	vp.Lock()
	defer vp.Unlock()

	if vp.Viper == nil {
		vp.Viper = viper.GetViper()
		vp.AutomaticEnv()
		vp.SetEnvPrefix("blockfilter")
		vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	}

	return vp
}
