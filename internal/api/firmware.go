package api

import (
	"net/http"

	"github.com/nerrad567/lockgate/internal/bridges/omni"
)

// handleListFirmware returns the upgrade images available to locks.
func (s *Server) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	if s.firmware == nil {
		writeUnavailable(w, "firmware store not configured")
		return
	}

	types, err := s.firmware.Available()
	if err != nil {
		s.logger.Error("failed to list firmware", "error", err)
		writeInternalError(w, "failed to list firmware")
		return
	}

	images := make([]omni.FirmwareImage, 0, len(types))
	for _, t := range types {
		img, err := s.firmware.Image(r.Context(), t)
		if err != nil {
			// An image without a version file is not offerable; skip it.
			s.logger.Debug("skipping firmware image", "device_type", t, "error", err)
			continue
		}
		images = append(images, img)
	}

	writeJSON(w, http.StatusOK, map[string]any{"firmware": images, "count": len(images)})
}
