package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/bigdatalab/labprovision/internal/ssh"
	"github.com/chainguard-dev/clog"
)

// The error code EC2 answers DescribeKeyPairs with for an unknown key name.
const errCodeKeyPairNotFound = "InvalidKeyPair.NotFound"

// KeySource decides who generates the key material of a new key pair.
type KeySource string

const (
	// The provider generates the pair and returns the private half once.
	KeySourceCreate KeySource = "create"
	// An ED25519 pair is generated locally and its public half imported.
	KeySourceImport KeySource = "import"
)

// KeyPairSpec describes the key pair to ensure.
type KeyPairSpec struct {
	Name string
	// Dir receives '<Name>.pem'. Empty means the working directory.
	Dir    string
	Type   types.KeyType
	Source KeySource
	Owner  string
}

// KeyPair is the result of 'EnsureKeyPair'.
type KeyPair struct {
	Name string
	ID   string
	// Path is where the private key lives (or is expected to live, for a key
	// pair that already existed remotely).
	Path string
	// Created is true when this call created the key pair and wrote 'Path'.
	Created bool
}

// KeyPath returns the local private key location for key pair 'name'.
func KeyPath(dir, name string) string {
	return filepath.Join(dir, name+".pem")
}

// EnsureKeyPair makes sure a key pair named 'spec.Name' exists remotely.
//
// An existing key pair is reused untouched: the provider never hands private
// material out twice, so there is nothing to write. Otherwise the pair is
// created, its private key written to 'KeyPath' and the file restricted to
// owner read-only (0400). A local file already sitting at 'KeyPath' on the
// create path is refused before any remote call, so existing material is
// never clobbered and newly created material is never lost.
func EnsureKeyPair(ctx context.Context, api EC2API, spec KeyPairSpec) (KeyPair, error) {
	log := clog.FromContext(ctx).With("key_pair", spec.Name)
	if spec.Name == "" {
		return KeyPair{}, fmt.Errorf("%w: key pair name is required", ErrConfig)
	}
	path := KeyPath(spec.Dir, spec.Name)

	existing, err := describeKeyPair(ctx, api, spec.Name)
	if err != nil {
		return KeyPair{}, err
	}
	if existing != nil {
		log.Info("key pair already exists, reusing it", "id", aws.ToString(existing.KeyPairId))
		if _, err := os.Stat(path); err != nil {
			log.Warn("no local private key for existing key pair, SSH bootstrap will fail", "path", path)
		}
		return KeyPair{
			Name: spec.Name,
			ID:   aws.ToString(existing.KeyPairId),
			Path: path,
		}, nil
	}

	if _, err := os.Stat(path); err == nil {
		return KeyPair{}, fmt.Errorf("%w: %s (key pair %q does not exist remotely; move the file aside first)", ErrKeyFileExists, path, spec.Name)
	} else if !errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, fmt.Errorf("%w: %w", ErrKeyFile, err)
	}

	var (
		id       string
		material []byte
	)
	switch spec.Source {
	case KeySourceImport:
		id, material, err = importKeyPair(ctx, api, spec)
	case KeySourceCreate, "":
		id, material, err = createKeyPair(ctx, api, spec)
	default:
		return KeyPair{}, fmt.Errorf("%w: unknown key source %q", ErrConfig, spec.Source)
	}
	if err != nil {
		return KeyPair{}, err
	}
	log.Info("created key pair", "id", id, "source", spec.Source)

	if err := writeKeyFile(path, material); err != nil {
		return KeyPair{}, err
	}
	log.Info("saved private key", "path", path)

	return KeyPair{
		Name:    spec.Name,
		ID:      id,
		Path:    path,
		Created: true,
	}, nil
}

// describeKeyPair returns nil, nil when the key pair does not exist.
func describeKeyPair(ctx context.Context, api EC2API, name string) (*types.KeyPairInfo, error) {
	out, err := api.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames: []string{name},
	})
	if err != nil {
		if apiErrorCode(err) == errCodeKeyPairNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: describing key pair %q: %w", ErrProvider, name, err)
	}
	for _, kp := range out.KeyPairs {
		if aws.ToString(kp.KeyName) == name {
			return &kp, nil
		}
	}
	return nil, nil
}

func createKeyPair(ctx context.Context, api EC2API, spec KeyPairSpec) (string, []byte, error) {
	keyType := spec.Type
	if keyType == "" {
		keyType = types.KeyTypeRsa
	}
	out, err := api.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:           aws.String(spec.Name),
		KeyType:           keyType,
		KeyFormat:         types.KeyFormatPem,
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeKeyPair, spec.Owner),
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: creating key pair %q: %w", ErrProvider, spec.Name, err)
	}
	if aws.ToString(out.KeyMaterial) == "" {
		return "", nil, fmt.Errorf("%w: key pair %q", ErrNoKeyMaterial, spec.Name)
	}
	return aws.ToString(out.KeyPairId), []byte(aws.ToString(out.KeyMaterial)), nil
}

func importKeyPair(ctx context.Context, api EC2API, spec KeyPairSpec) (string, []byte, error) {
	keys, err := ssh.NewED25519KeyPair()
	if err != nil {
		return "", nil, fmt.Errorf("generating key pair: %w", err)
	}
	pubKey, err := keys.Public.MarshalOpenSSH()
	if err != nil {
		return "", nil, fmt.Errorf("marshaling public key: %w", err)
	}
	privKey, err := keys.Private.MarshalOpenSSH(spec.Name)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling private key: %w", err)
	}
	out, err := api.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(spec.Name),
		PublicKeyMaterial: pubKey,
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeKeyPair, spec.Owner),
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: importing key pair %q: %w", ErrProvider, spec.Name, err)
	}
	return aws.ToString(out.KeyPairId), privKey, nil
}

// writeKeyFile writes 'material' to a new file at 'path' and then drops its
// permissions to 0400. O_EXCL guards against a file appearing between the
// existence check and the write.
func writeKeyFile(path string, material []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: %w", ErrKeyFile, err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyFile, err)
	}
	if _, err := f.Write(material); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: writing %s: %w", ErrKeyFile, path, err)
	}
	if err := f.Chmod(0o400); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: setting permissions on %s: %w", ErrKeyFile, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyFile, err)
	}
	return nil
}
