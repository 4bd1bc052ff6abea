// Package auth resolves the Gemini API key used by the content detector and
// classifies key validation failures.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
)

const (
	// APIKeyEnv is checked first.
	APIKeyEnv = "GEMINI_API_KEY"

	credentialDir  = ".depth-curator"
	credentialFile = "credentials.gpg"
)

// ParameterGetter is the subset of the SSM client used to read the key.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// KeySource describes where to look for the API key besides the environment.
type KeySource struct {
	// SSMParam is a SecureString parameter name. Empty disables SSM lookup.
	SSMParam string
	// SSM is the client used for the lookup. When nil a client is built from
	// the default AWS configuration chain.
	SSM ParameterGetter
}

// GetAPIKey retrieves the Gemini API key from available sources.
// Priority order:
//  1. GEMINI_API_KEY environment variable
//  2. SSM SecureString parameter (when src.SSMParam is set)
//  3. GPG-encrypted file at ~/.depth-curator/credentials.gpg
func GetAPIKey(ctx context.Context, src KeySource) (string, error) {
	if key := os.Getenv(APIKeyEnv); key != "" {
		log.Debug().Msg("Using API key from environment variable")
		return key, nil
	}

	var errs []error
	if src.SSMParam != "" {
		key, err := getFromSSM(ctx, src)
		if err == nil && key != "" {
			log.Debug().Str("param", src.SSMParam).Msg("Using API key from SSM Parameter Store")
			return key, nil
		}
		errs = append(errs, err)
	}

	key, err := getFromGPG()
	if err == nil && key != "" {
		log.Debug().Msg("Using API key from GPG encrypted file")
		return key, nil
	}
	errs = append(errs, err)

	log.Error().Err(errors.Join(errs...)).Msg("Failed to retrieve API key")
	return "", &ValidationError{
		Type:    ErrTypeNoKey,
		Message: "API key not found. Set GEMINI_API_KEY, CURATOR_SSM_API_KEY_PARAM, or ~/.depth-curator/credentials.gpg",
		Err:     errors.Join(errs...),
	}
}

func getFromSSM(ctx context.Context, src KeySource) (string, error) {
	client := src.SSM
	if client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return "", fmt.Errorf("load AWS config: %w", err)
		}
		client = ssm.NewFromConfig(cfg)
	}

	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(src.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", src.SSMParam, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("SSM parameter %s has no value", src.SSMParam)
	}
	return strings.TrimSpace(*out.Parameter.Value), nil
}

// getFromGPG decrypts the API key from the GPG-encrypted credentials file.
func getFromGPG() (string, error) {
	credPath, err := getCredentialPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(credPath); os.IsNotExist(err) {
		return "", fmt.Errorf("GPG credentials file not found at %s", credPath)
	}

	log.Debug().Str("file", credPath).Msg("Decrypting GPG credentials")
	args := []string{"--decrypt", "--quiet"}
	if passphrasePath, ok := passphraseFile(filepath.Dir(credPath)); ok {
		args = append(args, "--pinentry-mode", "loopback", "--passphrase-file", passphrasePath)
	}
	args = append(args, credPath)

	output, err := exec.Command("gpg", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("GPG decryption failed: %s", string(exitErr.Stderr))
		}
		return "", fmt.Errorf("GPG decryption failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// getCredentialPath returns the full path to the credentials file.
func getCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, credentialDir, credentialFile), nil
}

// passphraseFile looks for an owner-only .gpg-passphrase next to the
// credentials file.
func passphraseFile(dir string) (string, bool) {
	path := filepath.Join(dir, ".gpg-passphrase")
	fi, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if mode := fi.Mode().Perm(); mode&0077 != 0 {
		log.Warn().
			Str("passphrase_file", path).
			Str("permissions", fmt.Sprintf("%04o", mode)).
			Msg("Passphrase file has insecure permissions (should be 0600); skipping")
		return "", false
	}
	return path, true
}
