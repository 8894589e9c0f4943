// Package minio serves run logs from MinIO and other S3-compatible object
// stores, using the official MinIO client. It is the air-gap friendly
// alternative to the s3 package and works against Ceph, SeaweedFS, Garage,
// and similar endpoints.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    return err
//	}
//	store := miniostore.NewStore(client, "beamline-logs", "bmm/")
//	st, err := jsonl.OpenStore(ctx, store)
//
// Reads are ranged requests against the object, so index refreshes touch
// only the head and tail of each log.
package minio
