package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_versions (
				workflow_id VARCHAR(255) NOT NULL,
				version BIGINT NOT NULL,
				swadl TEXT NOT NULL,
				published BOOLEAN NOT NULL DEFAULT FALSE,
				active BOOLEAN NOT NULL DEFAULT FALSE,
				deployment_id VARCHAR(255) NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (workflow_id, version)
			);

			CREATE INDEX idx_workflow_versions_active ON workflow_versions(workflow_id) WHERE active;
			CREATE INDEX idx_workflow_versions_draft ON workflow_versions(workflow_id) WHERE NOT published;
		`,
	}
}
