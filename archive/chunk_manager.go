// Package archive implements optional GCS archival of retired log packs.
// Before set_oldest advances past a pack, the engine may hand its bytes to
// an Archiver; upload and compose run off the admission path so a slow or
// failing archive never blocks the write pipeline (spec.md §5 supplemental
// feature 4).
//
// The chunked-upload-then-compose flow and the 32-object GCS compose limit
// are grounded on asyncloguploader's ChunkManager and Uploader.
package archive

import (
	"context"
	"fmt"
	"log"

	"cloud.google.com/go/storage"
)

// chunkManager composes uploaded chunk objects into a final object,
// recursing through intermediate objects when the chunk count exceeds
// GCS's single-compose limit.
type chunkManager struct {
	maxChunksPerCompose int
}

func newChunkManager(maxChunksPerCompose int) *chunkManager {
	if maxChunksPerCompose <= 0 {
		maxChunksPerCompose = 32
	}
	return &chunkManager{maxChunksPerCompose: maxChunksPerCompose}
}

func (cm *chunkManager) compose(ctx context.Context, client *storage.Client, bucket, object string, chunkObjects []string) error {
	if len(chunkObjects) <= cm.maxChunksPerCompose {
		return cm.singleCompose(ctx, client, bucket, object, chunkObjects)
	}
	return cm.multiLevelCompose(ctx, client, bucket, object, chunkObjects)
}

func (cm *chunkManager) singleCompose(ctx context.Context, client *storage.Client, bucket, object string, chunkObjects []string) error {
	if len(chunkObjects) == 0 {
		return fmt.Errorf("archive: no chunks to compose")
	}
	if len(chunkObjects) > cm.maxChunksPerCompose {
		return fmt.Errorf("archive: too many chunks (%d), max is %d", len(chunkObjects), cm.maxChunksPerCompose)
	}

	bkt := client.Bucket(bucket)
	dst := bkt.Object(object)

	sources := make([]*storage.ObjectHandle, len(chunkObjects))
	for i, chunkObj := range chunkObjects {
		sources[i] = bkt.Object(chunkObj)
	}

	composer := dst.ComposerFrom(sources...)
	composer.ContentType = "application/octet-stream"

	if _, err := composer.Run(ctx); err != nil {
		return fmt.Errorf("archive: compose failed: %w", err)
	}
	return nil
}

func (cm *chunkManager) multiLevelCompose(ctx context.Context, client *storage.Client, bucket, object string, chunkObjects []string) error {
	var intermediate []string
	for i := 0; i < len(chunkObjects); i += cm.maxChunksPerCompose {
		end := i + cm.maxChunksPerCompose
		if end > len(chunkObjects) {
			end = len(chunkObjects)
		}

		group := chunkObjects[i:end]
		intermediateObj := fmt.Sprintf("%s.intermediate.%d", object, i/cm.maxChunksPerCompose)

		if err := cm.singleCompose(ctx, client, bucket, intermediateObj, group); err != nil {
			cm.cleanup(ctx, client, bucket, intermediate)
			return fmt.Errorf("archive: intermediate compose %s: %w", intermediateObj, err)
		}
		intermediate = append(intermediate, intermediateObj)
	}

	if len(intermediate) <= cm.maxChunksPerCompose {
		if err := cm.singleCompose(ctx, client, bucket, object, intermediate); err != nil {
			cm.cleanup(ctx, client, bucket, intermediate)
			return err
		}
		cm.cleanup(ctx, client, bucket, intermediate)
		return nil
	}

	if err := cm.multiLevelCompose(ctx, client, bucket, object, intermediate); err != nil {
		cm.cleanup(ctx, client, bucket, intermediate)
		return err
	}
	cm.cleanup(ctx, client, bucket, intermediate)
	return nil
}

func (cm *chunkManager) cleanup(ctx context.Context, client *storage.Client, bucket string, objects []string) {
	bkt := client.Bucket(bucket)
	for _, obj := range objects {
		if err := bkt.Object(obj).Delete(ctx); err != nil {
			log.Printf("archive: failed to clean up object %s: %v", obj, err)
		}
	}
}
