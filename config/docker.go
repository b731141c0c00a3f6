package config

import (
	"io"
	"os"
	"strings"

	dockercfg "github.com/docker/cli/cli/config"
	"github.com/sirupsen/logrus"
)

// DockerLoad returns hosts with credentials from the docker config file and its credential helpers.
// The file location follows docker, including the DOCKER_CONFIG environment variable.
func DockerLoad(log *logrus.Logger) ([]Host, error) {
	if log == nil {
		log = &logrus.Logger{Out: io.Discard}
	}
	conffile := dockercfg.LoadDefaultConfigFile(os.Stderr)
	creds, err := conffile.GetAllCredentials()
	if err != nil {
		return nil, err
	}
	hosts := []Host{}
	for name, cred := range creds {
		if (cred.Username == "" || cred.Password == "") && cred.IdentityToken == "" {
			log.WithFields(logrus.Fields{
				"name": name,
			}).Debug("Docker cred: Skipping empty pass and token")
			continue
		}
		// Docker Hub is a special case
		if name == DockerRegistryAuth {
			name = DockerRegistry
			cred.ServerAddress = DockerRegistryDNS
		}
		// handle names with a scheme included (https://registry.example.com)
		tls := TLSEnabled
		if i := strings.Index(name, "://"); i > 0 {
			scheme := name[:i]
			if name == cred.ServerAddress {
				cred.ServerAddress = name[i+3:]
			}
			name = strings.TrimSuffix(name[i+3:], "/")
			if scheme == "http" {
				tls = TLSDisabled
			}
		}
		if cred.ServerAddress == "" {
			cred.ServerAddress = name
		}
		log.WithFields(logrus.Fields{
			"name":      name,
			"host":      cred.ServerAddress,
			"user":      cred.Username,
			"pass-set":  cred.Password != "",
			"token-set": cred.IdentityToken != "",
		}).Debug("Loading docker cred")
		hosts = append(hosts, Host{
			Name:     name,
			Hostname: cred.ServerAddress,
			TLS:      tls,
			User:     cred.Username,
			Pass:     cred.Password,
			Token:    cred.IdentityToken,
		})
	}
	return hosts, nil
}
