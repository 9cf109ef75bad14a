package sectionfile

// BlocksDecompressed reports how many blocks reads have decompressed.
func (s *Store) BlocksDecompressed() int64 {
	return s.blocksDecompressed
}

// ResetBlockIndexes drops the loaded block indexes so the next read reloads them.
func (s *Store) ResetBlockIndexes() {
	for _, sec := range s.order {
		sec.blocks = nil
	}
}

// StagingPaths lists the scratch files currently held.
func (s *Store) StagingPaths() []string {
	var paths []string
	for _, st := range s.staging {
		paths = append(paths, st.path)
	}
	return paths
}
