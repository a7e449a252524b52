package catalog

const queryVersion = `query Version { version { version } }`

const querySceneByID = `query FindScene($id: ID!) {
  findScene(id: $id) {
    id
    title
    created_at
    tags { id name }
    files { path duration }
    scene_markers { id title seconds primary_tag { id name } tags { id name } }
  }
}`

const queryImageByID = `query FindImage($id: ID!) {
  findImage(id: $id) {
    id
    title
    created_at
    tags { id name }
    visual_files { ... on ImageFile { path } }
  }
}`

const queryScenes = `query FindScenes($filter: FindFilterType, $scene_filter: SceneFilterType) {
  findScenes(filter: $filter, scene_filter: $scene_filter) {
    count
    scenes { id title created_at tags { id name } }
  }
}`

const queryImages = `query FindImages($filter: FindFilterType, $image_filter: ImageFilterType) {
  findImages(filter: $filter, image_filter: $image_filter) {
    count
    images { id title created_at tags { id name } }
  }
}`

const queryTagByName = `query FindTagByName($name: String!) {
  findTags(tag_filter: { name: { value: $name, modifier: EQUALS } }, filter: { per_page: 5 }) {
    tags { id name aliases }
  }
}`

const mutationTagCreate = `mutation TagCreate($input: TagCreateInput!) {
  tagCreate(input: $input) { id name }
}`

const mutationBulkSceneTags = `mutation BulkSceneUpdate($input: BulkSceneUpdateInput!) {
  bulkSceneUpdate(input: $input) { id }
}`

const mutationBulkImageTags = `mutation BulkImageUpdate($input: BulkImageUpdateInput!) {
  bulkImageUpdate(input: $input) { id }
}`

const mutationSceneMarkerCreate = `mutation SceneMarkerCreate($input: SceneMarkerCreateInput!) {
  sceneMarkerCreate(input: $input) { id title seconds }
}`
