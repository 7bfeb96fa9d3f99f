// Package config provides configuration management for the opsflow ETL core.
//
// # Loading
//
//	cfg, err := config.Load("opsflow.yaml")
//
// Load starts from Default, overlays the YAML file and finally applies
// OPSFLOW_* environment variables (dots become underscores, so
// OPSFLOW_BATCH_SIZE overrides batch.size).
//
// # Environment Variable Substitution
//
// Any ${VAR_NAME} reference inside the file is replaced before parsing:
//
//	connectors:
//	  - name: pos
//	    type: rest
//	    auth:
//	      type: bearer
//	      token: ${POS_API_TOKEN}
//
// # Connector Settings
//
// Each connector carries an untyped params map. Connectors decode it into
// their own settings struct with Decode, which accepts loosely typed input:
//
//	var s config.RESTSettings
//	if err := config.Decode(cc.Params, &s); err != nil {
//		return err
//	}
package config
