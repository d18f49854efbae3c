package securestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	params  map[string]string
	puts    []*ssm.PutParameterInput
	failGet error
}

func newFakeSSM() *fakeSSM {
	return &fakeSSM{params: make(map[string]string)}
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if f.failGet != nil {
		return nil, f.failGet
	}
	v, ok := f.params[*in.Name]
	if !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("not found")}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func (f *fakeSSM) PutParameter(ctx context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	f.puts = append(f.puts, in)
	f.params[*in.Name] = *in.Value
	return &ssm.PutParameterOutput{}, nil
}

func (f *fakeSSM) DeleteParameter(ctx context.Context, in *ssm.DeleteParameterInput, _ ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error) {
	if _, ok := f.params[*in.Name]; !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("not found")}
	}
	delete(f.params, *in.Name)
	return &ssm.DeleteParameterOutput{}, nil
}

func TestSSMStore(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSSM()
	store := NewSSMStore(fake, "biolink/alice", "alias/biolink")

	if _, ok, err := store.Get(ctx, "app-pin-salt"); ok || err != nil {
		t.Fatalf("Expected absent parameter, got ok=%v err=%v", ok, err)
	}

	if err := store.Set(ctx, "app-pin-salt", "abc"); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	if _, ok := fake.params["/biolink/alice/app-pin-salt"]; !ok {
		t.Errorf("Expected prefixed parameter name, have %v", fake.params)
	}
	put := fake.puts[0]
	if put.Type != types.ParameterTypeSecureString {
		t.Errorf("Expected SecureString, got %s", put.Type)
	}
	if put.KeyId == nil || *put.KeyId != "alias/biolink" {
		t.Error("Expected KMS key id to be forwarded")
	}

	v, ok, err := store.Get(ctx, "app-pin-salt")
	if err != nil || !ok || v != "abc" {
		t.Errorf("Expected 'abc', got %q ok=%v err=%v", v, ok, err)
	}

	// Empty values delete; deleting twice is fine.
	if err := store.Set(ctx, "app-pin-salt", ""); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}
	if err := store.Set(ctx, "app-pin-salt", ""); err != nil {
		t.Fatalf("Failed to clear missing parameter: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "app-pin-salt"); ok {
		t.Error("Expected parameter to be deleted")
	}

	fake.failGet = errors.New("throttled")
	if _, _, err := store.Get(ctx, "app-pin-salt"); err == nil {
		t.Error("Expected SSM failure to propagate")
	}
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3BackupSink_RoundTripsThroughStore(t *testing.T) {
	ctx := context.Background()
	dek := newTestDEK(t)
	fake := &fakeS3{objects: make(map[string][]byte)}
	sink := NewS3BackupSink(fake, "vault-data", "backups/")

	source := newTestSQLiteStore(t, SQLiteConfig{Namespace: "alice", DEK: dek})
	source.Set(ctx, "app-pin-hash", "hash")
	backup, err := source.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("Failed to create backup: %v", err)
	}

	if err := sink.Upload(ctx, backup); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, ok := fake.objects["vault-data/backups/alice/secrets.backup.json"]; !ok {
		t.Fatalf("Expected object under namespace key, have %d objects", len(fake.objects))
	}

	downloaded, err := sink.Download(ctx, "alice")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	target := newTestSQLiteStore(t, SQLiteConfig{Namespace: "alice", DEK: dek})
	if err := target.RestoreBackup(ctx, downloaded); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if v, ok, _ := target.Get(ctx, "app-pin-hash"); !ok || v != "hash" {
		t.Errorf("Expected restored value, got %q", v)
	}

	if _, err := sink.Download(ctx, "bob"); err == nil {
		t.Error("Expected error for missing backup")
	}
}
