// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package deadletter

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"
)

// ArchiveConfig controla o job periódico de empacotamento do
// dead-letter local.
type ArchiveConfig struct {
	// S3Bucket, se não vazio, faz o bundle ser enviado para esse bucket
	// após cada ciclo, além de ficar gravado localmente.
	S3Bucket string
	S3Prefix string
}

// Archiver empacota o log de dead-letter de um VIN em um .tar.gz e,
// opcionalmente, envia o bundle para S3 — rodando fora do loop
// principal por amostra (§5), disparado por um agendamento cron
// independente.
type Archiver struct {
	cfg    ArchiveConfig
	vin    string
	dir    string
	logger *slog.Logger
}

// NewArchiver cria um Archiver para o dead-letter do VIN informado.
func NewArchiver(cfg ArchiveConfig, vin, dir string, logger *slog.Logger) *Archiver {
	return &Archiver{cfg: cfg, vin: vin, dir: dir, logger: logger}
}

// Run empacota o arquivo de dead-letter atual, se houver conteúdo, e
// o envia para S3 quando configurado. É seguro chamar repetidamente —
// se o log de dead-letter estiver vazio ou ausente, é um no-op.
func (a *Archiver) Run(ctx context.Context) error {
	logPath := filepath.Join(a.dir, a.vin+".deadletter.log")

	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat deadletter log: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	// Renomeia o log atual antes de empacotar: Commit (rodando na
	// goroutine do loop principal) continua livre para abrir e escrever
	// um <vin>.deadletter.log novo via O_CREATE enquanto este ciclo
	// empacota o snapshot anterior, sem truncar um arquivo em uso.
	snapshotPath := logPath + ".committing"
	if err := os.Rename(logPath, snapshotPath); err != nil {
		return fmt.Errorf("snapshotting deadletter log: %w", err)
	}

	bundlePath := filepath.Join(a.dir, fmt.Sprintf("%s.deadletter.%d.tar.gz", a.vin, info.ModTime().Unix()))
	if err := a.bundle(snapshotPath, bundlePath); err != nil {
		return fmt.Errorf("bundling deadletter log: %w", err)
	}

	a.logger.Info("deadletter bundle created",
		slog.String("vin", a.vin),
		slog.String("bundle", bundlePath))

	if err := os.Remove(snapshotPath); err != nil {
		a.logger.Error("failed to remove bundled deadletter snapshot", "error", err, "path", snapshotPath)
	}

	if a.cfg.S3Bucket == "" {
		return nil
	}

	if err := a.upload(ctx, bundlePath); err != nil {
		return fmt.Errorf("uploading deadletter bundle: %w", err)
	}
	return nil
}

// bundle empacota logPath em um .tar.gz usando pgzip, que paraleliza
// a compressão em blocos — útil aqui porque o job roda em background e
// não deve competir por um único core com o loop principal.
func (a *Archiver) bundle(logPath, bundlePath string) error {
	src, err := os.Open(logPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	out, err := os.Create(bundlePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz, err := pgzip.NewWriterLevel(out, pgzip.BestSpeed)
	if err != nil {
		return err
	}
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	hdr := &tar.Header{
		Name:    filepath.Base(logPath),
		Size:    info.Size(),
		Mode:    0o644,
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.Copy(tw, src); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// upload envia o bundle para S3. Falhas aqui nunca propagam para o
// loop principal — o bundle local permanece disponível para inspeção
// manual mesmo se o upload falhar.
func (a *Archiver) upload(ctx context.Context, bundlePath string) error {
	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(uploadCtx)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	f, err := os.Open(bundlePath)
	if err != nil {
		return err
	}
	defer f.Close()

	key := a.cfg.S3Prefix + filepath.Base(bundlePath)

	client := s3.NewFromConfig(awsCfg)
	_, err = client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.S3Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return err
	}

	a.logger.Info("deadletter bundle uploaded",
		slog.String("bucket", a.cfg.S3Bucket),
		slog.String("key", key))
	return nil
}
