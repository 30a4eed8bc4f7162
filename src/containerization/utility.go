// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"analysisqueue/src/logging"
	"analysisqueue/src/model"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const sandboxNetworkName = "analysisqueue_sandbox"

// EnsureSandboxNetwork creates or retrieves the bridge network analysis
// containers are attached to. External access is allowed; internal hosts are
// masked through ExtraHosts on each container.
func EnsureSandboxNetwork(ctx context.Context, cli *client.Client) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list networks: %v", err), slog.LevelError)
		return "", err
	}

	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create sandbox network: %v", err), slog.LevelError)
		return "", err
	}

	return resp.ID, nil
}

// analysisArgs is the command line of the dynamic analysis image.
func analysisArgs(id model.Identity) []string {
	return []string{
		"-ecosystem", id.AnalyzerEcosystem(),
		"-package", id.Name,
		"-version", id.Version,
		"-mode", "dynamic",
		"-nopull",
	}
}

// extractReport returns the JSON report in a container's stdout: the whole
// stream when it is one JSON document, otherwise the last line that is.
func extractReport(stdout []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 && line[0] == '{' && json.Valid(line) {
			return json.RawMessage(line)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
