package webhook

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/objectstore"
)

// presignTTLSeconds is the object-store proxy's presign lifetime
// (spec.md §6: "Presign TTL: 3600 s").
const presignTTLSeconds = 3600

func (s *Server) objectsOrUnavailable(c *gin.Context) bool {
	if s.objects == nil {
		s.abortWithError(c, storageError("object store not configured", nil))
		return false
	}
	return true
}

func (s *Server) handlePresignedUploadURL(c *gin.Context) {
	var req presignedUploadURLRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if !s.objectsOrUnavailable(c) {
		return
	}
	id := runID(c)
	key := artifactKey(id, req.ArtifactType, req.Filename)
	url, err := s.objects.PresignUpload(c.Request.Context(), key, req.ContentType, presignTTLSeconds)
	if err != nil {
		s.abortWithError(c, storageError("presigning upload url", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_url": url, "s3_key": key, "expires_in": presignTTLSeconds})
}

func (s *Server) handleArtifactExists(c *gin.Context) {
	if !s.objectsOrUnavailable(c) {
		return
	}
	key := c.Query("s3_key")
	if key == "" {
		s.abortWithError(c, validationError("s3_key query parameter is required", nil))
		return
	}
	exists, err := s.objects.Exists(c.Request.Context(), key)
	if err != nil {
		s.abortWithError(c, storageError("checking artifact existence", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

func (s *Server) handleMultipartInit(c *gin.Context) {
	var req multipartInitRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if !s.objectsOrUnavailable(c) {
		return
	}
	id := runID(c)
	key := artifactKey(id, req.ArtifactType, req.Filename)
	uploadID, err := s.objects.InitMultipart(c.Request.Context(), key, req.ContentType)
	if err != nil {
		s.abortWithError(c, storageError("initiating multipart upload", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_id": uploadID, "s3_key": key})
}

func (s *Server) handleMultipartComplete(c *gin.Context) {
	var req multipartCompleteRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if !s.objectsOrUnavailable(c) {
		return
	}
	parts := make([]objectstore.MultipartPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, objectstore.MultipartPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	if err := s.objects.CompleteMultipart(c.Request.Context(), req.S3Key, req.UploadID, parts); err != nil {
		s.abortWithError(c, storageError("completing multipart upload", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMultipartAbort(c *gin.Context) {
	var req multipartAbortRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if !s.objectsOrUnavailable(c) {
		return
	}
	if err := s.objects.AbortMultipart(c.Request.Context(), req.S3Key, req.UploadID); err != nil {
		s.abortWithError(c, storageError("aborting multipart upload", err))
		return
	}
	c.Status(http.StatusNoContent)
}

// handleParentRunFiles lists the object-store prefix for the requesting
// run's parent, letting a resumed run discover its predecessor's
// artifacts (workspace archives, checkpoints) without the client needing
// to know the parent's run id ahead of time.
func (s *Server) handleParentRunFiles(c *gin.Context) {
	if !s.objectsOrUnavailable(c) {
		return
	}
	ctx := c.Request.Context()
	id := runID(c)

	run, err := s.store.Runs.GetRun(ctx, id)
	if err != nil {
		s.abortWithError(c, mapRunStoreErr(err))
		return
	}
	if run.ParentRunID == nil {
		c.JSON(http.StatusOK, gin.H{"files": []string{}})
		return
	}
	prefix := "research-pipeline/" + *run.ParentRunID + "/"
	files, err := s.objects.List(ctx, prefix)
	if err != nil {
		s.abortWithError(c, storageError("listing parent run files", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// handleListDatasets lists the shared, run-independent datasets prefix
// every pipeline instance may read from.
func (s *Server) handleListDatasets(c *gin.Context) {
	if !s.objectsOrUnavailable(c) {
		return
	}
	files, err := s.objects.List(c.Request.Context(), "datasets/")
	if err != nil {
		s.abortWithError(c, storageError("listing datasets", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) handleDatasetUploadURL(c *gin.Context) {
	var req datasetUploadURLRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if !s.objectsOrUnavailable(c) {
		return
	}
	key := "datasets/" + req.Filename
	url, err := s.objects.PresignUpload(c.Request.Context(), key, req.ContentType, presignTTLSeconds)
	if err != nil {
		s.abortWithError(c, storageError("presigning dataset upload url", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_url": url, "s3_key": key, "expires_in": presignTTLSeconds})
}
